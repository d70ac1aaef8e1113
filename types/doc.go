// Package types provides shared type definitions for the taskflow service.
//
// types is the lowest-level common package and depends on no internal
// package. It defines the structured error taxonomy shared by the agent,
// engine, store, and api layers, so transport code can map any failure to a
// wire response without importing the package that produced it.
package types
