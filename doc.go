// Package saddle supervises a pre-fork server's arbiter and drives its binary
// upgrade handshake from the outside.
//
// Servers in the unicorn/gunicorn family replace their arbiter in place: on
// SIGUSR2 the running arbiter forks a new arbiter that re-executes itself and
// inherits the listening sockets, and once the new arbiter is up the old one
// is told to drain its workers and exit. Process managers that expect the pid
// they started to stay the pid they supervise do not cope with that.
//
// A Supervisor stays in front of the server as a single long-lived process.
// It starts the first arbiter with an identity file argument, and on every
// reload it asks the current arbiter to fork, waits for the new arbiter to
// publish its pid twice in a row, drains the old arbiter, waits for it to
// exit and only then adopts the new arbiter as current.
//
// Two ways of publishing the new pid are supported, see RenameOldbin and
// SecondaryFile. Hand-offs never time out unless WithHandoffTimeout is used;
// a hand-off that cannot complete leaves the supervisor visibly stuck rather
// than guessing.
package saddle
