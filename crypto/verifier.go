// Package crypto is the external collaborator holding cryptographic
// primitives, used only through the Verifier interface. Verifier is
// that interface; OpenPGPVerifier is the one concrete implementation,
// built on openpgp.DetachSign / openpgp.CheckDetachedSignature as a
// single reusable component every PBFT collaborator depends on by
// interface.
package crypto

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/openpgp"
	pgperrors "golang.org/x/crypto/openpgp/errors"
)

// NodeID identifies a replica by its stable small integer id.
type NodeID int

// ErrUnknownSigner is returned by Verify when the signing key does not
// belong to any replica in the current certificate set.
var ErrUnknownSigner = errors.New("crypto: signer is not a recognized replica")

// Verifier signs payloads with this replica's own key and verifies
// payloads signed by a peer. It is stateless after construction and
// freely shared, safe for concurrent use by every consumer in the
// pipeline.
type Verifier interface {
	// Sign detaches a signature over payload using this replica's key.
	Sign(payload []byte) ([]byte, error)
	// Verify checks that signature is a valid detached signature over
	// payload by the given peer, returning ErrUnknownSigner if the key
	// that produced it is not in the certificate set.
	Verify(peer NodeID, payload, signature []byte) error
}

// OpenPGPVerifier is a Verifier backed by golang.org/x/crypto/openpgp.
// Each replica's public key is loaded once at startup from its
// admin-signed certificate; thereafter node_id -> public_key is
// immutable for the lifetime of a view.
type OpenPGPVerifier struct {
	self  *openpgp.Entity
	peers openpgp.EntityList
	byFP  map[string]NodeID
}

// NewOpenPGPVerifier builds a Verifier from this replica's own private
// key entity and the public-key entities of every replica in the
// cluster (including itself), keyed by node id.
func NewOpenPGPVerifier(self *openpgp.Entity, peers map[NodeID]*openpgp.Entity) *OpenPGPVerifier {
	v := &OpenPGPVerifier{self: self, byFP: make(map[string]NodeID, len(peers))}
	for id, entity := range peers {
		v.peers = append(v.peers, entity)
		v.byFP[string(entity.PrimaryKey.Fingerprint[:])] = id
	}
	return v
}

// LoadEntity reads an armored OpenPGP private or public key entity from
// disk, the way config.ClusterConfig resolves each replica's
// certificate file path at startup.
func LoadEntity(path string) (*openpgp.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: opening key file %s", path)
	}
	defer f.Close()
	list, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: reading key file %s", path)
	}
	if len(list) == 0 {
		return nil, errors.Errorf("crypto: no keys found in %s", path)
	}
	return list[0], nil
}

func (v *OpenPGPVerifier) Sign(payload []byte) ([]byte, error) {
	var sig bytes.Buffer
	if err := openpgp.DetachSign(&sig, v.self, bytes.NewReader(payload), nil); err != nil {
		return nil, errors.Wrap(err, "crypto: signing payload")
	}
	return sig.Bytes(), nil
}

func (v *OpenPGPVerifier) Verify(peer NodeID, payload, signature []byte) error {
	signer, err := openpgp.CheckDetachedSignature(v.peers, bytes.NewReader(payload), bytes.NewReader(signature))
	if err == pgperrors.ErrUnknownIssuer {
		return ErrUnknownSigner
	}
	if err != nil {
		return errors.Wrap(err, "crypto: signature invalid")
	}
	id, ok := v.byFP[string(signer.PrimaryKey.Fingerprint[:])]
	if !ok {
		return ErrUnknownSigner
	}
	if id != peer {
		return errors.Errorf("crypto: signature belongs to node %d, expected %d", id, peer)
	}
	return nil
}
