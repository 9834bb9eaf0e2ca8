// Package async runs background work without letting a panic take down the
// process.
//
// SafeGo starts a goroutine with panic recovery and an optional deadline and
// logs what goes wrong. Recover does the same for work that runs on the
// caller's goroutine, such as a cron job or a file-watch callback.
package async
