/*
Package settings persists the Listener's registered identity (agentId,
pool, work folder, the run-once flag from `configure`), written as YAML the
way a human might hand-edit it, and provides a JSON session file
(SaveSession, LoadSession, DeleteSessionFile) at
<work-folder>/.agent/session.json. The `run` verb does not write the
session file and the Listener does not resume a session from it; only
`remove` (which deletes it) and `diagnostics` (which reports it) use it.
*/
package settings
