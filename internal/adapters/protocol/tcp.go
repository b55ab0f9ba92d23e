package protocol

import (
	"net"

	"github.com/pqsecure/mesh/internal/core/domain"
)

// TCPHandler implements Handler for raw TCP listeners: no inspection, per
// spec §4.7 ("raw TCP: none; invokes policy with protocol=tcp, method=\"\"").
type TCPHandler struct{}

// Detect implements Handler.
func (TCPHandler) Detect(conn net.Conn) (Result, net.Conn, error) {
	return Result{Protocol: domain.ProtocolTCP}, conn, nil
}
