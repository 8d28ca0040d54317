package errs

import (
	"errors"
	"testing"

	"github.com/chunktree/chunktree/digest"
)

func TestIOErrorUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	e := IOError{Path: "/tmp/x", Err: inner}
	if !errors.Is(e, inner) {
		t.Fatal("errors.Is did not see through IOError.Unwrap")
	}
	if e.Error() == "" {
		t.Fatal("Error() returned an empty string")
	}
}

func TestErrorMessagesMentionRelevantDigest(t *testing.T) {
	d := digest.Leaf([]byte("x"))
	cases := []error{
		IntegrityError{Digest: d, Reason: "mismatch"},
		MissingDataError{Digest: d},
		LinkCreationError{Digest: d, Reason: "rejected"},
		ChunkInsertError{Digest: d, Reason: "rejected"},
	}
	for _, err := range cases {
		if !containsDigest(err.Error(), d) {
			t.Fatalf("error message %q does not mention digest %s", err.Error(), d)
		}
	}
}

func containsDigest(msg string, d digest.Digest) bool {
	s := d.String()
	for i := 0; i+len(s) <= len(msg); i++ {
		if msg[i:i+len(s)] == s {
			return true
		}
	}
	return false
}

func TestSerializationAndInvalidParameterErrors(t *testing.T) {
	if (SerializationError{Reason: "bad tag"}).Error() == "" {
		t.Fatal("SerializationError.Error() is empty")
	}
	if (InvalidParameterError{Reason: "empty name"}).Error() == "" {
		t.Fatal("InvalidParameterError.Error() is empty")
	}
	if (TreeReconstructError{Reason: "incomplete"}).Error() == "" {
		t.Fatal("TreeReconstructError.Error() is empty")
	}
}
