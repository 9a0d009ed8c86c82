// Package chat implements the chat session lifecycle on top of an abstract realtime channel provider.
//
// A Session connects, joins one channel, keeps presence and typing state, replays merged
// message and presence history, and recovers from disconnects and channel resets.
//
// Concurrency model:
//   - A Session has no goroutines and holds no locks.
//   - Callers must invoke Session methods, provider callbacks and Scheduler callbacks serially
//     on one delivery context (for example a wsclient.Loop). This precondition is not checked.
package chat
