// Package workflow contains the engine that drives jobs through the
// validate, resize, and watermark steps.
//
// The engine is stateless between loop iterations: every decision starts
// from a fresh read of the job record, and every write is a compare-and-swap
// against the version that read observed. Workers never coordinate with each
// other directly; losing a version race just means reloading and looking at
// what the winner did.
package workflow
