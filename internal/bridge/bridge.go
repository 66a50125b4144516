// Package bridge maps host requests onto a session manager and reports each
// outcome as a result or a tagged failure.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/op/go-logging"

	"sppbridge/internal/connmgr"
)

// Method names accepted by Dispatch.
const (
	MethodBondedDevices = "getBondedDevices"
	MethodConnect       = "connectToDevice"
	MethodDisconnect    = "disconnect"
	MethodIsConnected   = "isConnected"
	MethodPrintRaw      = "printRawData"
)

// Codes reported by the bridge itself, in addition to connmgr.Kind codes.
const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeUnknownMethod  = "UNKNOWN_METHOD"
)

// Session is the subset of *connmgr.Manager the bridge drives.
type Session interface {
	ListBondedDevices(ctx context.Context) ([]connmgr.Device, error)
	Connect(ctx context.Context, address string) error
	Disconnect()
	IsConnected() bool
	WriteBytes(ctx context.Context, payload []byte) error
}

// Request is one call from the host.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *Failure    `json:"error,omitempty"`
}

// Failure is a rejected request.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	Address string `json:"address"`
}

type printParams struct {
	Data string `json:"data"`
}

// Bridge dispatches requests. It is safe for concurrent use.
type Bridge struct {
	s   Session
	log *logging.Logger

	wg sync.WaitGroup
}

// New returns a Bridge over s. log may be nil.
func New(s Session, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.MustGetLogger("bridge")
	}
	return &Bridge{s: s, log: log}
}

// Dispatch runs req and passes the outcome to reply.
//
// Connect and print requests run on their own goroutine and reply when done;
// the others reply before Dispatch returns. Disconnect never replies.
func (b *Bridge) Dispatch(ctx context.Context, req Request, reply func(Response)) {
	switch req.Method {
	case MethodBondedDevices:
		devs, err := b.s.ListBondedDevices(ctx)
		if err != nil {
			reply(b.fail(req, err))
			return
		}
		out := make([]deviceView, len(devs))
		for i, d := range devs {
			out[i] = deviceView{Name: d.Name, Address: d.Address}
		}
		reply(Response{ID: req.ID, Result: out})

	case MethodConnect:
		var p connectParams
		if err := decodeParams(req.Params, &p); err != nil || p.Address == "" {
			reply(invalid(req, CodeInvalidParams, "address is required"))
			return
		}
		b.async(func() {
			if err := b.s.Connect(ctx, p.Address); err != nil {
				reply(b.fail(req, err))
				return
			}
			reply(Response{ID: req.ID, Result: true})
		})

	case MethodDisconnect:
		b.s.Disconnect()

	case MethodIsConnected:
		reply(Response{ID: req.ID, Result: b.s.IsConnected()})

	case MethodPrintRaw:
		var p printParams
		if err := decodeParams(req.Params, &p); err != nil {
			reply(invalid(req, CodeInvalidParams, "data is required"))
			return
		}
		payload, err := DecodePayload(p.Data)
		if err != nil {
			reply(invalid(req, CodeInvalidPayload, err.Error()))
			return
		}
		b.async(func() {
			if err := b.s.WriteBytes(ctx, payload); err != nil {
				reply(b.fail(req, err))
				return
			}
			reply(Response{ID: req.ID, Result: true})
		})

	default:
		reply(invalid(req, CodeUnknownMethod, "unknown method "+req.Method))
	}
}

// Wait blocks until all asynchronous requests have replied.
func (b *Bridge) Wait() { b.wg.Wait() }

func (b *Bridge) async(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bridge) fail(req Request, err error) Response {
	b.log.Warningf("%s %s: %v", req.Method, req.ID, err)
	return Response{ID: req.ID, Error: &Failure{Code: connmgr.KindOf(err).Code(), Message: err.Error()}}
}

func invalid(req Request, code, msg string) Response {
	return Response{ID: req.ID, Error: &Failure{Code: code, Message: msg}}
}

type deviceView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(raw, v)
}

// DecodePayload decodes standard base64, ignoring embedded whitespace.
// Missing padding is tolerated.
func DecodePayload(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimRight(clean, "=")
	out, err := base64.RawStdEncoding.DecodeString(clean)
	if err != nil {
		return nil, errors.New("payload is not valid base64")
	}
	return out, nil
}
