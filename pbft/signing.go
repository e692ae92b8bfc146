package pbft

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/crypto"
)

// signPayload and verifyPayload are the single choke point every
// Sign*/Verify* pair below funnels through: one encode-then-verifier-
// call path. Crypto stays behind the crypto.Verifier interface — every
// collaborator that needs to sign or verify depends on that interface,
// never a concrete key type.
func signPayload(v crypto.Verifier, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, errors.Wrap(err, "pbft: encoding payload to sign")
	}
	return v.Sign(buf.Bytes())
}

func verifyPayload(v crypto.Verifier, signer NodeID, payload interface{}, signature []byte) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return errors.Wrap(err, "pbft: encoding payload to verify")
	}
	return v.Verify(signer, buf.Bytes(), signature)
}

func SignPrePrepare(v crypto.Verifier, self NodeID, pp PrePrepare) (SignedPrePrepare, error) {
	sig, err := signPayload(v, pp)
	if err != nil {
		return SignedPrePrepare{}, err
	}
	return SignedPrePrepare{PrePrepare: pp, Signer: self, Signature: sig}, nil
}

func (sp SignedPrePrepare) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sp.Signer, sp.PrePrepare, sp.Signature)
}

func SignPrepare(v crypto.Verifier, self NodeID, vote VoteMsg) (SignedPrepare, error) {
	sig, err := signPayload(v, vote)
	if err != nil {
		return SignedPrepare{}, err
	}
	return SignedPrepare{Prepare: vote, Signer: self, Signature: sig}, nil
}

func (sp SignedPrepare) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sp.Signer, sp.Prepare, sp.Signature)
}

func SignCommit(v crypto.Verifier, self NodeID, vote VoteMsg) (SignedCommit, error) {
	sig, err := signPayload(v, vote)
	if err != nil {
		return SignedCommit{}, err
	}
	return SignedCommit{Commit: vote, Signer: self, Signature: sig}, nil
}

func (sc SignedCommit) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sc.Signer, sc.Commit, sc.Signature)
}

func SignCheckpoint(v crypto.Verifier, self NodeID, ckpt Checkpoint) (SignedCheckpoint, error) {
	sig, err := signPayload(v, ckpt)
	if err != nil {
		return SignedCheckpoint{}, err
	}
	return SignedCheckpoint{Checkpoint: ckpt, Signer: self, Signature: sig}, nil
}

func (sc SignedCheckpoint) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sc.Signer, sc.Checkpoint, sc.Signature)
}

func SignViewChange(v crypto.Verifier, self NodeID, vc ViewChange) (SignedViewChange, error) {
	sig, err := signPayload(v, vc)
	if err != nil {
		return SignedViewChange{}, err
	}
	return SignedViewChange{ViewChange: vc, Signer: self, Signature: sig}, nil
}

func (sv SignedViewChange) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sv.Signer, sv.ViewChange, sv.Signature)
}

func SignNewView(v crypto.Verifier, self NodeID, nv NewView) (SignedNewView, error) {
	sig, err := signPayload(v, nv)
	if err != nil {
		return SignedNewView{}, err
	}
	return SignedNewView{NewView: nv, Signer: self, Signature: sig}, nil
}

func (sn SignedNewView) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sn.Signer, sn.NewView, sn.Signature)
}

func SignClientReply(v crypto.Verifier, self NodeID, reply ClientReply) (SignedClientReply, error) {
	sig, err := signPayload(v, reply)
	if err != nil {
		return SignedClientReply{}, err
	}
	return SignedClientReply{Reply: reply, Signer: self, Signature: sig}, nil
}

func (sr SignedClientReply) Verify(v crypto.Verifier) error {
	return verifyPayload(v, sr.Signer, sr.Reply, sr.Signature)
}
