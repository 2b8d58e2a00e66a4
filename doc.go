// Package mark46 implements a WebSocket signaling server for soft
// real-time message exchange between verified peers.
//
// # Signal envelope
//
// Every application message travels in one binary WebSocket message whose
// payload starts with a 4-byte envelope:
//
//	[code / 100] [code % 100] [0x19] [0x97] [data bytes...]
//
// The code is a decimal-packed uint16 in 0..9999; data is an arbitrary
// byte sequence, conventionally JSON. Code 0 is reserved for the
// authentication exchange.
//
// # Connection lifecycle
//
// A connection is Pending after the HTTP upgrade. The peer must send
// signal 0 with its credentials within the verification deadline; the
// registered authentication hooks then accept or reject it. Accepted
// peers become Connected, receive signal 0 carrying their id and info,
// and take part in broadcasts and rooms until the single Disconnected
// transition, which always reports one close code and reason pair.
//
// Servers are created with New and driven with Start or ListenAndServe:
//
//	srv := mark46.New(mark46.Options{Port: 4646})
//	srv.OnAuthentication(func(p *mark46.Peer, credentials any) bool {
//		return credentials != nil
//	})
//	srv.OnSignal(func(p *mark46.Peer, code uint16, data []byte) {
//		srv.Broadcast(code, data, p.ID)
//	})
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package mark46
