package execctx

// ConsoleSink receives the live, already-masked console line stream a
// running job produces. The reference control-plane transport in
// pkg/controlplane/grpcsource batches these into web-console upload calls;
// the wire format for that upload is explicitly out of scope here, so
// ConsoleSink only needs to describe the local contract.
type ConsoleSink interface {
	AppendConsoleLine(timelineID, recordID string, line int, text string)
}

// discardConsoleSink is used when a Context is created with no sink wired
// (e.g. in tests), so Write never needs a nil check at the call site.
type discardConsoleSink struct{}

func (discardConsoleSink) AppendConsoleLine(string, string, int, string) {}
