package wire

import (
	"fmt"

	"DagPrimary/internal/logger"
	"DagPrimary/internal/network"
	"DagPrimary/internal/types"
)

// maxRequestDigests bounds the digests a single request may ask about.
const maxRequestDigests = 10_000

// RequestHandler answers synchronization requests from other primaries.
type RequestHandler interface {
	Certificates(digests []types.Digest) ([]*types.Certificate, error)
	PayloadAvailability(digests []types.Digest) ([]types.Digest, error)
}

// Router decodes incoming requests and dispatches them to a RequestHandler.
type Router struct {
	handler RequestHandler
}

// NewRouter creates a router serving requests with handler.
func NewRouter(handler RequestHandler) *Router {
	return &Router{handler: handler}
}

// Register installs the router as the node's request handler.
func (r *Router) Register(node *network.Node) {
	node.OnRequest(r.HandleRequest)
}

// HandleRequest answers one encoded request.
func (r *Router) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	msgType, err := MessageType(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MsgCertificatesRequest:
		req, err := DecodeCertificatesRequest(data)
		if err != nil {
			return nil, fmt.Errorf("decode certificates request:\n%w", err)
		}

		if len(req.Digests) > maxRequestDigests {
			return nil, fmt.Errorf("certificates request too large: %d digests", len(req.Digests))
		}

		certs, err := r.handler.Certificates(req.Digests)
		if err != nil {
			logger.Error("serve certificates", "peer", peer.PublicKey().Short(), "error", err)
			return nil, err
		}

		return EncodeCertificatesResponse(&CertificatesResponse{Certificates: certs})

	case MsgPayloadAvailabilityRequest:
		req, err := DecodePayloadAvailabilityRequest(data)
		if err != nil {
			return nil, fmt.Errorf("decode payload availability request:\n%w", err)
		}

		if len(req.Digests) > maxRequestDigests {
			return nil, fmt.Errorf("payload availability request too large: %d digests", len(req.Digests))
		}

		available, err := r.handler.PayloadAvailability(req.Digests)
		if err != nil {
			logger.Error("serve payload availability", "peer", peer.PublicKey().Short(), "error", err)
			return nil, err
		}

		return EncodePayloadAvailabilityResponse(&PayloadAvailabilityResponse{Digests: available}), nil

	default:
		return nil, fmt.Errorf("unexpected request type 0x%02x", msgType)
	}
}
