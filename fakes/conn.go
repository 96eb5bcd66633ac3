package fakes

import (
	"net"
	"testing"
)

// TestConnection lets transaction- and dialog-layer tests drive a request/
// response exchange without a real socket: TestRequest writes a message in
// and reads the reply straight back out, synchronously.
type TestConnection interface {
	TestReadConn(t testing.TB) []byte
	TestWriteConn(t testing.TB, data []byte)
	TestRequest(t testing.TB, data []byte) []byte
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
