package whatsapp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/store"
)

// generatePairingCode draws a uniform six-digit code.
func generatePairingCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// a time-derived code still satisfies the six-digit contract.
		return fmt.Sprintf("%06d", 100000+time.Now().UnixNano()%900000)
	}
	return fmt.Sprintf("%06d", 100000+n.Int64())
}

// handlePairing answers an unknown DM's /pair request with a redeemable
// code. An active code is reused so a peer gets at most one per hour.
func (b *Bridge) handlePairing(chat types.JID) {
	rawID := chat.String()

	active, err := b.store.FindActivePairing(rawID)
	if err != nil {
		logger.ErrorCF("bridge", "Pairing lookup failed", map[string]any{"error": err.Error()})
		return
	}

	var code string
	if active != nil {
		code = active.Code
	} else {
		if err := b.store.CleanExpiredPairings(rawID); err != nil {
			logger.WarnCF("bridge", "Pairing cleanup failed", map[string]any{"error": err.Error()})
		}
		code = generatePairingCode()
		if err := b.store.CreatePairing(code, rawID, time.Now().Add(store.PairingTTL)); err != nil {
			logger.ErrorCF("bridge", "Pairing create failed", map[string]any{"error": err.Error()})
			return
		}
	}

	text := fmt.Sprintf(
		"Your pairing code is %s. Ask the operator to approve it within one hour to start chatting.",
		code,
	)
	resp, err := b.sock.SendMessage(b.ctx, chat, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		logger.ErrorCF("bridge", "Pairing code send failed", map[string]any{"error": err.Error()})
		return
	}
	b.echo.Record(resp.ID)

	logger.InfoCF("bridge", "Pairing code issued", map[string]any{"peer": rawID})
}
