// Package host decides how each admitted plugin runs (in-process or
// subprocess), owns the RPC channel to subprocess hosts, and supervises
// host health through a per-host circuit breaker.
//
// Subprocess hosts run under hashicorp/go-plugin over net/rpc. The channel
// contract is fixed here: a payload larger than the frame limit is never
// truncated or silently rejected — it is segmented into an ordered chunk
// stream (PushChunk for requests, PullChunk for responses) with an explicit
// Last flag, and reassembled on the far side.
package host

import (
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-plugin"
)

// Handshake verifies that a spawned binary actually speaks the memex plugin
// protocol before any RPC happens.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MEMEX_PLUGIN",
	MagicCookieValue: "memex-plugin-v1",
}

// DefaultMaxFrame bounds a single RPC frame payload.
const DefaultMaxFrame = 4 * 1024 * 1024

// CarrierName is the dispense key for the capability carrier.
const CarrierName = "capability"

// Carrier is the interface a plugin host exposes: one carrier serves every
// capability entrypoint its manifest declares. maxResponse caps the result
// size when positive.
type Carrier interface {
	Capabilities() ([]string, error)
	Invoke(capability string, payload []byte, maxResponse int) ([]byte, error)
}

// CarrierError is a typed failure crossing the RPC boundary. Plugin
// implementations return it to signal a schema rejection; anything else
// becomes an unavailable error on the kernel side.
type CarrierError struct {
	Kind string // "schema_invalid" or "unavailable"
	Msg  string
}

func (e *CarrierError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// PluginMap builds the go-plugin map shared by host and plugin binaries.
func PluginMap(impl Carrier, maxFrame int) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{
		CarrierName: &CapabilityPlugin{Impl: impl, MaxFrame: maxFrame},
	}
}

// Serve runs a plugin binary's side of the protocol. Plugin main functions
// call this and never return.
func Serve(impl Carrier) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl, DefaultMaxFrame),
	})
}

// CapabilityPlugin wires Carrier into go-plugin's net/rpc transport.
type CapabilityPlugin struct {
	Impl     Carrier
	MaxFrame int
}

func (p *CapabilityPlugin) Server(*plugin.MuxBroker) (any, error) {
	return newCarrierServer(p.Impl, p.frame()), nil
}

func (p *CapabilityPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &carrierClient{client: c, maxFrame: p.frame()}, nil
}

func (p *CapabilityPlugin) frame() int {
	if p.MaxFrame > 0 {
		return p.MaxFrame
	}
	return DefaultMaxFrame
}

// --- wire types ------------------------------------------------------------

// InvokeArgs is one capability call. When Chunked is set the payload was
// pre-staged via PushChunk under CallID and Payload is empty.
type InvokeArgs struct {
	CallID      string
	Capability  string
	Payload     []byte
	Chunked     bool
	MaxResponse int
}

// InvokeReply is the call result. When Chunked is set the payload exceeds
// the frame limit and must be drained via PullChunk under CallID.
type InvokeReply struct {
	Payload []byte
	Chunked bool
	ErrKind string
	ErrMsg  string
}

// ChunkArgs carries one request segment. Seq starts at 0; Last closes the
// stream.
type ChunkArgs struct {
	CallID string
	Seq    int
	Data   []byte
	Last   bool
}

// PullArgs requests one response segment.
type PullArgs struct {
	CallID string
	Seq    int
}

// PullReply is one response segment.
type PullReply struct {
	Data []byte
	Last bool
}

// CapsReply lists the capabilities the carrier serves.
type CapsReply struct {
	Capabilities []string
}

// --- server side (runs inside the plugin process) --------------------------

type carrierServer struct {
	impl     Carrier
	maxFrame int

	mu       sync.Mutex
	inbound  map[string][]byte // request chunks being assembled
	outbound map[string][]byte // oversized responses awaiting pulls
}

func newCarrierServer(impl Carrier, maxFrame int) *carrierServer {
	return &carrierServer{
		impl:     impl,
		maxFrame: maxFrame,
		inbound:  make(map[string][]byte),
		outbound: make(map[string][]byte),
	}
}

func (s *carrierServer) Capabilities(_ struct{}, reply *CapsReply) error {
	caps, err := s.impl.Capabilities()
	if err != nil {
		return err
	}
	reply.Capabilities = caps
	return nil
}

func (s *carrierServer) PushChunk(args ChunkArgs, reply *struct{}) error {
	if len(args.Data) > s.maxFrame {
		return fmt.Errorf("chunk %d exceeds frame limit", args.Seq)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[args.CallID] = append(s.inbound[args.CallID], args.Data...)
	return nil
}

func (s *carrierServer) Invoke(args InvokeArgs, reply *InvokeReply) error {
	payload := args.Payload
	if args.Chunked {
		s.mu.Lock()
		payload = s.inbound[args.CallID]
		delete(s.inbound, args.CallID)
		s.mu.Unlock()
	}

	result, err := s.impl.Invoke(args.Capability, payload, args.MaxResponse)
	if err != nil {
		var ce *CarrierError
		if errors.As(err, &ce) {
			reply.ErrKind = ce.Kind
			reply.ErrMsg = ce.Msg
		} else {
			reply.ErrKind = "unavailable"
			reply.ErrMsg = err.Error()
		}
		return nil
	}

	if len(result) > s.maxFrame {
		s.mu.Lock()
		s.outbound[args.CallID] = result
		s.mu.Unlock()
		reply.Chunked = true
		return nil
	}
	reply.Payload = result
	return nil
}

func (s *carrierServer) PullChunk(args PullArgs, reply *PullReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.outbound[args.CallID]
	if !ok {
		return fmt.Errorf("no pending response for call %s", args.CallID)
	}

	start := args.Seq * s.maxFrame
	if start >= len(buf) {
		delete(s.outbound, args.CallID)
		reply.Last = true
		return nil
	}
	end := start + s.maxFrame
	if end >= len(buf) {
		end = len(buf)
		reply.Last = true
		delete(s.outbound, args.CallID)
	}
	reply.Data = buf[start:end]
	return nil
}

// --- client side (runs inside the kernel) ----------------------------------

type carrierClient struct {
	client   *rpc.Client
	maxFrame int
}

func (c *carrierClient) Capabilities() ([]string, error) {
	var reply CapsReply
	if err := c.client.Call("Plugin.Capabilities", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Capabilities, nil
}

func (c *carrierClient) Invoke(capability string, payload []byte, maxResponse int) ([]byte, error) {
	callID := uuid.Must(uuid.NewV7()).String()

	args := InvokeArgs{CallID: callID, Capability: capability, MaxResponse: maxResponse}
	if len(payload) > c.maxFrame {
		if err := c.pushChunks(callID, payload); err != nil {
			return nil, err
		}
		args.Chunked = true
	} else {
		args.Payload = payload
	}

	var reply InvokeReply
	if err := c.client.Call("Plugin.Invoke", args, &reply); err != nil {
		return nil, err
	}
	if reply.ErrKind != "" {
		return nil, &CarrierError{Kind: reply.ErrKind, Msg: reply.ErrMsg}
	}
	if !reply.Chunked {
		return reply.Payload, nil
	}
	return c.pullChunks(callID, maxResponse)
}

func (c *carrierClient) pushChunks(callID string, payload []byte) error {
	for seq, off := 0, 0; off < len(payload); seq++ {
		end := off + c.maxFrame
		if end > len(payload) {
			end = len(payload)
		}
		args := ChunkArgs{CallID: callID, Seq: seq, Data: payload[off:end], Last: end == len(payload)}
		if err := c.client.Call("Plugin.PushChunk", args, &struct{}{}); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func (c *carrierClient) pullChunks(callID string, maxResponse int) ([]byte, error) {
	var out []byte
	for seq := 0; ; seq++ {
		var reply PullReply
		if err := c.client.Call("Plugin.PullChunk", PullArgs{CallID: callID, Seq: seq}, &reply); err != nil {
			return nil, err
		}
		out = append(out, reply.Data...)
		if maxResponse > 0 && len(out) > maxResponse {
			return nil, &CarrierError{Kind: "schema_invalid", Msg: fmt.Sprintf("response exceeds caller limit of %d bytes", maxResponse)}
		}
		if reply.Last {
			return out, nil
		}
	}
}
