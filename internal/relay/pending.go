package relay

import "github.com/charlesng35/imrelay/internal/protocol"

// heldSend is an outgoing chat waiting for its images to verify.
type heldSend struct {
	user    string
	msg     protocol.Message
	waiting map[string]struct{}
}

// pendingSend holds outgoing chats by image hash until every upload they
// reference is verified.
type pendingSend struct {
	byHash map[hashKey][]*heldSend
}

func newPendingSend() *pendingSend {
	return &pendingSend{byHash: make(map[hashKey][]*heldSend)}
}

// Hold parks msg until every hash is resolved.
func (p *pendingSend) Hold(user string, msg protocol.Message, hashes []string) {
	h := &heldSend{user: user, msg: msg, waiting: make(map[string]struct{}, len(hashes))}
	for _, hash := range hashes {
		if _, dup := h.waiting[hash]; dup {
			continue
		}
		h.waiting[hash] = struct{}{}
		key := hashKey{user, hash}
		p.byHash[key] = append(p.byHash[key], h)
	}
}

// Release marks hash verified and returns the messages with nothing left to wait for.
func (p *pendingSend) Release(user, hash string) []protocol.Message {
	key := hashKey{user, hash}
	held := p.byHash[key]
	delete(p.byHash, key)

	var ready []protocol.Message
	for _, h := range held {
		delete(h.waiting, hash)
		if len(h.waiting) == 0 {
			ready = append(ready, h.msg)
		}
	}
	return ready
}

// Discard drops every message waiting on hash, including from the lists of
// its other hashes, and returns how many were dropped.
func (p *pendingSend) Discard(user, hash string) int {
	key := hashKey{user, hash}
	held := p.byHash[key]
	delete(p.byHash, key)
	for _, h := range held {
		for other := range h.waiting {
			if other == hash {
				continue
			}
			p.remove(hashKey{user, other}, h)
		}
		h.waiting = nil
	}
	return len(held)
}

func (p *pendingSend) remove(key hashKey, target *heldSend) {
	list := p.byHash[key]
	for i, h := range list {
		if h == target {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byHash, key)
		return
	}
	p.byHash[key] = list
}

// Len counts held messages.
func (p *pendingSend) Len() int {
	seen := make(map[*heldSend]struct{})
	for _, list := range p.byHash {
		for _, h := range list {
			seen[h] = struct{}{}
		}
	}
	return len(seen)
}

func (p *pendingSend) DropUser(user string) {
	for key := range p.byHash {
		if key.user == user {
			delete(p.byHash, key)
		}
	}
}

// heldRecv is an inbound chat waiting for image downloads. waiting is keyed
// by the image name used in the chat content.
type heldRecv struct {
	user    string
	msg     protocol.Message
	waiting map[string]struct{}
	paths   map[string]string
}

type recvRef struct {
	msgID string
	name  string
}

// msgKey scopes a held chat to the user it is for: members of one group
// receive the same message id.
type msgKey struct {
	user  string
	msgID string
}

// pendingRecv holds inbound chats per user and message id until the images
// they reference are downloaded.
type pendingRecv struct {
	byMsg  map[msgKey]*heldRecv
	byHash map[hashKey][]recvRef
}

func newPendingRecv() *pendingRecv {
	return &pendingRecv{
		byMsg:  make(map[msgKey]*heldRecv),
		byHash: make(map[hashKey][]recvRef),
	}
}

func (p *pendingRecv) Hold(user, msgID string, msg protocol.Message, names []string) {
	h := &heldRecv{
		user:    user,
		msg:     msg,
		waiting: make(map[string]struct{}, len(names)),
		paths:   make(map[string]string, len(names)),
	}
	for _, n := range names {
		h.waiting[n] = struct{}{}
	}
	p.byMsg[msgKey{user, msgID}] = h
}

// Expect links the download of name for the user's msgID to a content hash.
func (p *pendingRecv) Expect(user, msgID, name, hash string) {
	if _, ok := p.byMsg[msgKey{user, msgID}]; !ok {
		return
	}
	key := hashKey{user, hash}
	p.byHash[key] = append(p.byHash[key], recvRef{msgID: msgID, name: name})
}

// Resolve marks one image of the user's msgID as available at path (empty
// when the download failed). It returns the held chat once nothing is
// outstanding.
func (p *pendingRecv) Resolve(user, msgID, name, path string) (*heldRecv, bool) {
	key := msgKey{user, msgID}
	h, ok := p.byMsg[key]
	if !ok {
		return nil, false
	}
	delete(h.waiting, name)
	if path != "" {
		h.paths[name] = path
	}
	if len(h.waiting) > 0 {
		return nil, false
	}
	delete(p.byMsg, key)
	return h, true
}

// ResolveHash resolves every image of user waiting on hash.
func (p *pendingRecv) ResolveHash(user, hash, path string) []*heldRecv {
	key := hashKey{user, hash}
	refs := p.byHash[key]
	delete(p.byHash, key)
	var ready []*heldRecv
	for _, ref := range refs {
		if h, done := p.Resolve(user, ref.msgID, ref.name, path); done {
			ready = append(ready, h)
		}
	}
	return ready
}

// DiscardHash drops every chat of user waiting on hash.
func (p *pendingRecv) DiscardHash(user, hash string) int {
	key := hashKey{user, hash}
	refs := p.byHash[key]
	delete(p.byHash, key)
	dropped := 0
	for _, ref := range refs {
		mk := msgKey{user, ref.msgID}
		if _, ok := p.byMsg[mk]; ok {
			delete(p.byMsg, mk)
			dropped++
		}
	}
	return dropped
}

func (p *pendingRecv) Len() int { return len(p.byMsg) }

func (p *pendingRecv) DropUser(user string) {
	for key := range p.byMsg {
		if key.user == user {
			delete(p.byMsg, key)
		}
	}
	for key := range p.byHash {
		if key.user == user {
			delete(p.byHash, key)
		}
	}
}
