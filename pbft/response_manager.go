package pbft

import (
	"sync"

	"github.com/resdb-go/pbftkv/crypto"
)

// RequestKey identifies a client request independent of which
// sequence number consensus eventually assigns it: the (proxy_id,
// user_seq) pair a client uses to dedup its own retransmissions.
type RequestKey struct {
	ProxyID uint64
	UserSeq uint64
}

func keyFor(req ClientRequest) RequestKey {
	return RequestKey{ProxyID: req.ProxyID, UserSeq: req.UserSeq}
}

// ResponseManager caches the signed reply issued for each
// (proxy_id,user_seq) so a retransmitted client request is answered
// from cache instead of re-executed.
type ResponseManager struct {
	self     NodeID
	verifier crypto.Verifier

	mu    sync.Mutex
	cache map[RequestKey]SignedClientReply
}

// NewResponseManager builds an empty reply cache for self, signing
// every reply it issues with verifier.
func NewResponseManager(self NodeID, verifier crypto.Verifier) *ResponseManager {
	return &ResponseManager{self: self, verifier: verifier, cache: make(map[RequestKey]SignedClientReply)}
}

// Cached returns the previously issued reply for key, if any, so a
// retransmitted request short-circuits re-execution.
func (r *ResponseManager) Cached(key RequestKey) (SignedClientReply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, ok := r.cache[key]
	return reply, ok
}

// Record builds, signs, and caches the reply to a just-executed
// request, returning it for the caller to send back to the client.
func (r *ResponseManager) Record(view View, req ClientRequest, result []byte, execErr error) (SignedClientReply, error) {
	key := keyFor(req)
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	reply := ClientReply{View: view, ProxyID: req.ProxyID, UserSeq: req.UserSeq, Result: result, Error: errMsg}
	signed, err := SignClientReply(r.verifier, r.self, reply)
	if err != nil {
		return SignedClientReply{}, err
	}
	r.mu.Lock()
	r.cache[key] = signed
	r.mu.Unlock()
	return signed, nil
}

// Forget drops a cached reply, so a later retransmission of the same
// request is no longer answered from the cache.
func (r *ResponseManager) Forget(key RequestKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}
