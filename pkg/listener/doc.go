// Package listener implements the Message Listener: it owns the agent's
// session with the control plane, long-polls for work, and routes each
// message to the Job Dispatcher. Session keep-alive runs as an independent
// background task alongside the poll loop; DeleteSession is always
// attempted before the loop returns, success or failure.
package listener
