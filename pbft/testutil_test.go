package pbft

import "bytes"

// fakeVerifier is a crypto.Verifier stub for tests: "signing" just
// copies the payload, and verification checks the signature equals
// the payload. It doesn't model a particular signer's key, so it is
// only suitable for tests that aren't exercising signature rejection.
type fakeVerifier struct{}

func (fakeVerifier) Sign(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

func (fakeVerifier) Verify(_ NodeID, payload, signature []byte) error {
	if !bytes.Equal(payload, signature) {
		return errBadFakeSignature
	}
	return nil
}

var errBadFakeSignature = errorString("pbft: fake signature mismatch")

type errorString string

func (e errorString) Error() string { return string(e) }
