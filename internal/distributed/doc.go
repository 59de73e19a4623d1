// Package distributed resolves this process's place in a multi-process run.
//
// Init turns identity values (rank, local rank, world size) into an
// Identity, binds a compute device, resolves the designated side-effect
// Role once, and joins the process group through the selected backend.
//
// Backends:
//   - "local": single process, world size must be 1
//   - "tcp": rank 0 listens on the rendezvous address, every other rank
//     dials it, and rank 0 verifies that exactly world_size distinct
//     participants arrived before releasing them all
//
// Every failure is returned as *InitError and is not retried.
package distributed
