// Package serialization implements the .born container used for checkpoint
// records and final weights.
//
// Every file is written in format v2:
//
//	Format Structure:
//	  [64 bytes: fixed header]
//	    0x00 magic "BORN"
//	    0x04 version (uint32 LE, 2)
//	    0x08 flags (uint32 LE)
//	    0x10 JSON header size (uint64 LE)
//	    0x18 data section size (uint64 LE)
//	    0x20 SHA-256 of the data section
//	  [JSON header]
//	  [padding to 64-byte alignment]
//	  [tensor data, in header order]
//
// Tensors are written in sorted name order so that two writes of the same
// state dictionary produce byte-identical data sections.
//
// Example usage:
//
//	var buf bytes.Buffer
//	if err := serialization.WriteTo(&buf, stateDict, header); err != nil {
//	    return err
//	}
//
//	stateDict, header, err := serialization.ReadFrom(&buf, serialization.ReaderOptions{})
package serialization
