package session

import (
	"bytes"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/secure"
	"github.com/1ureka/udps/internal/util"
)

// proofLabel is the HMAC input both sides exchange to prove they derived the
// same secret.
const proofLabel = "UDPS"

// initiate starts, or restarts on retry, the initiator's handshake with a
// fresh session id and key pair.
func (c *Conn) initiate() {
	if c.state != StateInit && c.state != StateAwaitPeerKey {
		return
	}

	id, err := protocol.NewSessionID()
	if err != nil {
		util.LogError("session: %v", err)
		c.teardown()
		return
	}
	cs, err := secure.NewSession(c.cfg.Curve, c.cfg.Cipher)
	if err != nil {
		util.LogError("session: %v", err)
		c.teardown()
		return
	}
	pub, err := cs.GenerateKeyPair()
	if err != nil {
		util.LogError("session: %v", err)
		c.teardown()
		return
	}

	if c.state == StateAwaitPeerKey {
		util.LogDebug("session %s: no answer from %s, retrying as %s", c.id, c.RemoteAddr(), id)
	}
	c.setID(id)
	c.crypto = cs
	c.syncProof = nil
	c.setState(StateAwaitPeerKey)
	c.transmit(protocol.NewAuthentication(pub, cs.Curve(), cs.Cipher()), nil)

	c.retry = c.AfterFunc(c.cfg.RetryInterval, c.initiate)
}

func (c *Conn) onAuthentication(pkt *protocol.Packet) {
	if pkt.Auth == nil || len(pkt.Payload) == 0 {
		util.LogDebug("session: AUTHENTICATION without key material from %s", c.RemoteAddr())
		if c.role == Responder && c.state == StateInit {
			c.teardown()
		}
		return
	}
	switch {
	case c.role == Responder && c.state == StateInit:
		c.acceptAuthentication(pkt)
	case c.role == Responder && c.state == StateAwaitSync:
		// The initiator missed our reply.
		if pkt.SessionID == c.id && bytes.Equal(pkt.Payload, c.crypto.PeerPublicKey()) {
			c.transmit(c.authReply.Clone(), nil)
		}
	case c.role == Initiator && c.state == StateAwaitPeerKey:
		if pkt.SessionID != c.id {
			return
		}
		c.answerAuthentication(pkt)
	}
	// AUTHENTICATION after READY is ignored.
}

// acceptAuthentication is the responder's first step: adopt the peer's
// session id and algorithms, reply with our own key and derive the secret.
func (c *Conn) acceptAuthentication(pkt *protocol.Packet) {
	if pkt.SessionID.IsZero() {
		util.LogDebug("session: AUTHENTICATION without session id from %s", c.RemoteAddr())
		util.Stats.AddRejected()
		c.teardown()
		return
	}
	cs, err := secure.NewSession(pkt.Auth.Curve, pkt.Auth.Cipher)
	if err != nil {
		util.LogDebug("session %s: rejecting %s: %v", pkt.SessionID, c.RemoteAddr(), err)
		util.Stats.AddRejected()
		c.teardown()
		return
	}
	pub, err := cs.GenerateKeyPair()
	if err != nil {
		util.LogError("session %s: %v", pkt.SessionID, err)
		c.teardown()
		return
	}
	if err := cs.DeriveSecret(pkt.Payload); err != nil {
		util.LogDebug("session %s: rejecting %s: %v", pkt.SessionID, c.RemoteAddr(), err)
		util.Stats.AddRejected()
		c.teardown()
		return
	}

	c.setID(pkt.SessionID)
	c.crypto = cs
	c.authReply = protocol.NewAuthentication(pub, cs.Curve(), cs.Cipher())
	c.setState(StateAwaitSync)
	c.transmit(c.authReply.Clone(), nil)
}

// answerAuthentication is the initiator's second step: derive the secret from
// the responder's key and send the sealed proof.
func (c *Conn) answerAuthentication(pkt *protocol.Packet) {
	if pkt.Auth.Curve != c.crypto.Curve() || pkt.Auth.Cipher != c.crypto.Cipher() {
		util.LogDebug("session %s: peer answered with %s/%s, dropping", c.id, pkt.Auth.Curve, pkt.Auth.Cipher)
		return
	}

	if c.crypto.Ready() {
		if c.syncProof != nil && bytes.Equal(pkt.Payload, c.crypto.PeerPublicKey()) {
			c.transmit(c.syncProof.Clone(), nil)
		}
		return
	}

	if err := c.crypto.DeriveSecret(pkt.Payload); err != nil {
		util.LogDebug("session %s: %v", c.id, err)
		return
	}
	proof, err := c.crypto.MAC(proofLabel)
	if err != nil {
		util.LogError("session %s: %v", c.id, err)
		return
	}
	sync := protocol.NewSynchronization(proof)
	if err := c.seal(sync); err != nil {
		util.LogError("session %s: %v", c.id, err)
		return
	}
	c.syncProof = sync
	c.transmit(sync.Clone(), nil)
}

func (c *Conn) onSynchronization(pkt *protocol.Packet) {
	if pkt.SessionID != c.id || c.crypto == nil || !c.crypto.Ready() {
		return
	}
	switch {
	case c.role == Responder && c.state == StateAwaitSync:
	case c.role == Initiator && c.state == StateAwaitPeerKey:
	default:
		return
	}

	if err := c.open(pkt); err != nil {
		util.LogDebug("session %s: SYNCHRONIZATION from %s: %v", c.id, c.RemoteAddr(), err)
		util.Stats.AddDropped()
		return
	}
	if !c.crypto.VerifyMAC(proofLabel, pkt.Payload) {
		util.LogDebug("session %s: proof mismatch from %s", c.id, c.RemoteAddr())
		util.Stats.AddDropped()
		return
	}

	c.ready = true
	c.setState(StateReady)

	if c.role == Initiator {
		if c.retry != nil {
			c.retry.Stop()
			c.retry = nil
		}
		c.accept()
		return
	}

	proof, err := c.crypto.MAC(proofLabel)
	if err != nil {
		util.LogError("session %s: %v", c.id, err)
		return
	}
	c.transmit(protocol.NewSynchronization(proof), func(err error) {
		c.post(func() {
			if err != nil {
				util.LogDebug("session %s: final SYNCHRONIZATION not sent: %v", c.id, err)
				c.teardown()
				return
			}
			c.accept()
		})
	})
}
