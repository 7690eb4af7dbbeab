package signing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/superfly/restored"
	"github.com/superfly/restored/manifest"
	"github.com/superfly/restored/plist"
)

func sampleManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Decode(plist.Dict(map[string]plist.Value{
		"iBEC":        plist.Dict(map[string]plist.Value{"Info": plist.Dict(map[string]plist.Value{"Path": plist.String("p1")})}),
		"KernelCache": plist.Dict(map[string]plist.Value{"Info": plist.Dict(map[string]plist.Value{"Path": plist.String("p2")})}),
	}))
	if err != nil {
		t.Fatalf("manifest.Decode: %v", err)
	}
	return m
}

// TestBuildRequestComponentSet covers spec invariant 4: the request's
// component keys equal the manifest's known component set, and ECID is
// carried through unchanged.
func TestBuildRequestComponentSet(t *testing.T) {
	m := sampleManifest(t)
	req, err := BuildRequest(m, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.ECID != 0xDEADBEEF {
		t.Fatalf("ECID = %x", req.ECID)
	}
	got := append([]string{}, req.Components...)
	sort.Strings(got)
	want := []string{"KernelCache", "iBEC"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Components = %v, want %v", got, want)
	}
}

func TestRequestToStructCarriesECIDAndComponents(t *testing.T) {
	m := sampleManifest(t)
	req, err := BuildRequest(m, 7)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	s, err := req.toStruct()
	if err != nil {
		t.Fatalf("toStruct: %v", err)
	}
	if s.Fields["ECID"].GetNumberValue() != 7 {
		t.Fatalf("ECID field = %v", s.Fields["ECID"])
	}
	if s.Fields["Components"].GetListValue() == nil {
		t.Fatal("expected Components list field")
	}
}

// newTestServer starts an h2c server backing a single Connect unary RPC
// that echoes a fixed response struct.
func newTestServer(t *testing.T, procedure string, handler func(*structpb.Struct) (*structpb.Struct, error)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	unary := connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
			resp, err := handler(req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(resp), nil
		},
	)
	mux.Handle(procedure, unary)
	srv := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitHappyPath(t *testing.T) {
	const procedure = "/restored.signing.v1.SigningService/Submit"
	srv := newTestServer(t, procedure, func(req *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"iBEC": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"Path": structpb.NewStringValue("p1"),
			}}),
		}}, nil
	})

	client := NewClient(srv.URL, procedure)
	v, err := client.Submit(context.Background(), &Request{ECID: 1, Components: []string{"iBEC"}, Manifest: plist.Dict(nil)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v.Kind() != plist.KindDict {
		t.Fatalf("Kind() = %v", v.Kind())
	}
}

func TestSubmitUnavailableMapsToKindSigningUnavailable(t *testing.T) {
	const procedure = "/restored.signing.v1.SigningService/Submit"
	srv := newTestServer(t, procedure, func(req *structpb.Struct) (*structpb.Struct, error) {
		return nil, connect.NewError(connect.CodeUnavailable, context.DeadlineExceeded)
	})

	client := NewClient(srv.URL, procedure)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Submit(ctx, &Request{ECID: 1, Manifest: plist.Dict(nil)})
	if k, ok := restored.KindOf(err); !ok || k != restored.KindSigningUnavailable {
		t.Fatalf("expected KindSigningUnavailable, got %v (%v)", k, err)
	}
}

func TestSubmitRejectedMapsToKindSigningRejected(t *testing.T) {
	const procedure = "/restored.signing.v1.SigningService/Submit"
	srv := newTestServer(t, procedure, func(req *structpb.Struct) (*structpb.Struct, error) {
		return nil, connect.NewError(connect.CodeInvalidArgument, context.Canceled)
	})

	client := NewClient(srv.URL, procedure)
	_, err := client.Submit(context.Background(), &Request{ECID: 1, Manifest: plist.Dict(nil)})
	if k, ok := restored.KindOf(err); !ok || k != restored.KindSigningRejected {
		t.Fatalf("expected KindSigningRejected, got %v (%v)", k, err)
	}
}
