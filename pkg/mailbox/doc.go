/*
Package mailbox is the local IPC boundary between the broker and the
controller.

Triggers are JSON datagrams {"destination": "scheduler"} over a unix socket.
The receiver reduces them to a depth-one pending flag per destination: any
number of triggers arriving while a schedule pass is in flight collapse into
exactly one follow-up pass. This keeps the controller a single writer and
prevents trigger storms during callback bursts.
*/
package mailbox
