// Package event defines core recording types shared across the module.
//
// # Type Identifiers
//
// Every event and constant pool in a chunk carries a TypeID. Identifiers below
// FirstUserType are reserved:
//
//	event.TypeMetadata    // 0, metadata event
//	event.TypeCheckpoint  // 1, checkpoint event
//	event.TypeThread      // constant pool of threads
//	event.TypeStackTrace  // constant pool of stack traces
//
// Host-defined event types start at FirstUserType:
//
//	desc := event.Descriptor{
//	    ID:   event.FirstUserType,
//	    Name: "app.RequestHandled",
//	    Fields: []event.Field{
//	        {Name: "path", Kind: event.KindString},
//	        {Name: "status", Kind: event.KindInt},
//	    },
//	    StackTrace: true,
//	}
//
// # Frames and Methods
//
// Stack traces are stored as frames referring to interned methods:
//
//	m := event.SplitFunctionName("github.com/acme/svc.(*Server).Handle")
//	// m.Type == "github.com/acme/svc.(*Server)", m.Name == "Handle"
//
// # Chunks
//
// ChunkInfo describes a completed chunk file and is what the archivers, the
// catalog encoders and the chunk notifier consume. FileStats describes the chunk
// currently being written and drives rotation policies.
package event
