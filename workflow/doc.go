// Package workflow defines the durable pipeline task and the callback
// interfaces it reports progress through. A task never touches session state
// directly; it resolves a Reporter from its callback address and invokes the
// narrow reporter surface, so the ownership boundary between task and session
// is enforced at the type level.
package workflow
