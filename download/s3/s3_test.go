package s3

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/symbolicator/symbolicator/download"
)

// S7: URI escaping preserves slash structure but percent-encodes spaces.
func TestRemoteDIFReference_URI(t *testing.T) {
	ref := RemoteDIFReference{
		Source:   &SourceConfig{Bucket: "bucket", Prefix: "prefix"},
		Location: "a/key/with spaces",
	}
	got := ref.URI()
	want := "s3://bucket/prefix/a/key/with%20spaces"
	if got != want {
		t.Fatalf("URI() = %q, want %q", got, want)
	}
}

func TestEscapeURIPath(t *testing.T) {
	cases := map[string]string{
		"a/b/c":              "a/b/c",
		"a/key/with spaces": "a/key/with%20spaces",
		"":                   "",
	}
	for in, want := range cases {
		if got := escapeURIPath(in); got != want {
			t.Errorf("escapeURIPath(%q) = %q, want %q", in, got, want)
		}
	}
}

// S8: NoSuchKey maps to a clean NotFound, never an error.
func TestClassifyGetObjectError_NoSuchKey(t *testing.T) {
	status, err := classifyGetObjectError(&types.NoSuchKey{})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if status != download.NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
}

// S8: a deadline exceeded (timeout-shaped failure) also maps to NotFound.
func TestClassifyGetObjectError_DeadlineExceeded(t *testing.T) {
	status, err := classifyGetObjectError(context.DeadlineExceeded)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if status != download.NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
}

// S8: a wrapped deadline exceeded still classifies as NotFound.
func TestClassifyGetObjectError_WrappedDeadlineExceeded(t *testing.T) {
	wrapped := errors.Join(errors.New("request canceled"), context.DeadlineExceeded)
	status, err := classifyGetObjectError(wrapped)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if status != download.NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
}

// S8: a plain construction/dispatch failure with no structured AWS error
// also classifies as NotFound, matching the original's behavior.
func TestClassifyGetObjectError_Unstructured(t *testing.T) {
	status, err := classifyGetObjectError(errors.New("dial tcp: connection refused"))
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if status != download.NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
}

// S8: any other structured service error surfaces as a *ServiceError
// carrying the HTTP status and error code, not as NotFound-with-nil-error.
func TestClassifyGetObjectError_ServiceError(t *testing.T) {
	status, err := classifyGetObjectError(&fakeAPIError{
		code: "AccessDenied",
		msg:  "Access Denied",
	})
	if err == nil {
		t.Fatalf("err = nil, want a *ServiceError")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v (%T), want *ServiceError", err, err)
	}
	if svcErr.Code != "AccessDenied" {
		t.Fatalf("Code = %q, want AccessDenied", svcErr.Code)
	}
	if status != download.NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
}

func TestDownloader_StreamingTimeout(t *testing.T) {
	d := NewDownloader(0, 5*time.Second, 8, 4)

	if got := d.streamingTimeout(0); got != d.streamTimeout {
		t.Fatalf("streamingTimeout(0) = %v, want floor %v", got, d.streamTimeout)
	}

	big := int64(minBandwidthBytesPerSec) * 100 // 100s worth of data at the assumed rate
	if got := d.streamingTimeout(big); got < d.streamTimeout {
		t.Fatalf("streamingTimeout(%d) = %v, want >= floor %v", big, got, d.streamTimeout)
	}
}

// fakeAPIError implements smithy.APIError and HTTPStatusCode() for testing
// classifyGetObjectError's generic service-error branch without needing a
// real AWS response.
type fakeAPIError struct {
	code string
	msg  string
}

func (e *fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.msg }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
func (e *fakeAPIError) HTTPStatusCode() int           { return 403 }
