/*
Package execctx implements the Execution Context: the per-record logging,
variable, timeline, and cancellation scope of a running job. A job
gets one root Context; each step gets a child created with CreateChild.

Children share their parent's variable store and Secret Masker by reference
(composition, not inheritance):
a Context is a single concrete type with an optional parent pointer, never a
subclass. Cancellation is the union of the parent's cancellation, an
optional per-context timeout, and an explicit CancelToken call, expressed
with the standard library's context.Context rather than a bespoke linked
token type.
*/
package execctx
