// Package signing implements the personalization request/response client
// (spec §4.4): build a signing request from a manifest and a device
// identifier, submit it to the remote signing authority, and return the
// ticket response. The transport is a Connect RPC unary call carrying the
// request and response as structpb.Struct — a real proto.Message, so no
// hand-authored generated protobuf code is required — over h2c so the
// signing authority can be reached without a TLS terminator in dev/test
// environments.
package signing

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/superfly/restored"
	"github.com/superfly/restored/manifest"
	"github.com/superfly/restored/plist"
)

// Request is a personalization request: the manifest's component
// descriptors plus the target device's ECID (spec §4.4 buildRequest).
type Request struct {
	ECID       uint64
	Components []string
	Manifest   plist.Value
}

// BuildRequest selects the manifest's component set and encodes it plus
// ecid into a Request (spec §4.4, tested against invariant 4: the
// resulting component keys equal the manifest's known component set).
func BuildRequest(m *manifest.Manifest, ecid uint64) (*Request, error) {
	names, err := m.ComponentNames()
	if err != nil {
		return nil, err
	}
	return &Request{ECID: ecid, Components: names, Manifest: m.Raw()}, nil
}

func (r *Request) toStruct() (*structpb.Struct, error) {
	s, err := plist.ToStruct(r.Manifest)
	if err != nil {
		return nil, err
	}
	s.Fields["ECID"] = structpb.NewNumberValue(float64(r.ECID))
	comps := make([]interface{}, len(r.Components))
	for i, c := range r.Components {
		comps[i] = c
	}
	list, err := structpb.NewList(comps)
	if err != nil {
		return nil, err
	}
	s.Fields["Components"] = structpb.NewListValue(list)
	return s, nil
}

// Client submits personalization requests to a remote signing authority
// over Connect RPC.
type Client struct {
	conn *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient builds a Client targeting baseURL (e.g.
// "http://tss.example.internal:80") and procedure (the RPC's
// fully-qualified Connect procedure path, e.g.
// "/restored.signing.v1.SigningService/Submit"), dialing over h2c so no
// TLS terminator is required in front of the signing authority.
func NewClient(baseURL, procedure string, opts ...connect.ClientOption) *Client {
	httpClient := &http.Client{
		Transport: h2c.NewTransport(&http.Transport{}, &http2.Transport{}),
	}
	conn := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	return &Client{conn: conn}
}

// Submit sends req to the signing authority and returns the ticket as a
// plist.Value ready for manifest.DecodeTicket (spec §4.4 submit).
func (c *Client) Submit(ctx context.Context, req *Request) (plist.Value, error) {
	reqStruct, err := req.toStruct()
	if err != nil {
		return plist.Value{}, restored.NewError("signing.submit", restored.KindSigningRejected, "", err)
	}
	resp, err := c.conn.CallUnary(ctx, connect.NewRequest(reqStruct))
	if err != nil {
		switch connectCode(err) {
		case connect.CodeUnavailable, connect.CodeDeadlineExceeded:
			return plist.Value{}, restored.NewError("signing.submit", restored.KindSigningUnavailable, "", err)
		default:
			return plist.Value{}, restored.NewError("signing.submit", restored.KindSigningRejected, "", err)
		}
	}
	return plist.FromStruct(resp.Msg), nil
}

func connectCode(err error) connect.Code {
	var ce *connect.Error
	if asConnectError(err, &ce) {
		return ce.Code()
	}
	return connect.CodeUnknown
}

func asConnectError(err error, target **connect.Error) bool {
	for err != nil {
		if ce, ok := err.(*connect.Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WithRetry wraps submit in an exponential backoff, retrying only while
// the error is Recoverable (KindSigningUnavailable or KindTransportIO). Per spec §4.4
// the Client itself does not retry internally; this is an opt-in helper
// for callers that want one.
func WithRetry(ctx context.Context, b backoff.BackOff, submit func(context.Context) (plist.Value, error)) (plist.Value, error) {
	var result plist.Value
	err := backoff.Retry(func() error {
		v, err := submit(ctx)
		if err != nil {
			if restored.Recoverable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = v
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return plist.Value{}, err
	}
	return result, nil
}

// DefaultBackOff returns a sensible exponential backoff for WithRetry.
func DefaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}
