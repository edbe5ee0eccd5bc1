package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// maxWebhookBody is GitHub's payload cap.
const maxWebhookBody = 25 << 20

const zeroSHA = "0000000000000000000000000000000000000000"

// pushEvent holds the fields of a push delivery that start a run.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHubWebhook starts a run for the head commit of a push.
//
// Deliveries are verified against GITHUB_WEBHOOK_SECRET when it is set.
// Pings are acknowledged, other events and branch deletions are ignored
// with 202, and pushes to a repository other than the configured one are
// refused.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "HOOK001", "payload too large")
		return
	}

	if secret := s.cfg.GitHub.WebhookSecret; secret != "" {
		if !validSignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, r, http.StatusUnauthorized, "HOOK002", "invalid signature")
			return
		}
	}

	log := logging.WithFields(r.Context(),
		"event", r.Header.Get("X-GitHub-Event"),
		"delivery", r.Header.Get("X-GitHub-Delivery"),
	)

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "push":
	default:
		log.Debug("ignoring webhook event")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "event " + event})
		return
	}

	var push pushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		writeError(w, r, http.StatusBadRequest, "HOOK003", "invalid push payload")
		return
	}

	if repo := s.cfg.Source.Repo; repo != "" && !strings.EqualFold(push.Repository.FullName, repo) {
		log.Warn("push for unexpected repository", "repository", push.Repository.FullName, "expected", repo)
		writeError(w, r, http.StatusUnprocessableEntity, "HOOK004", "repository does not match configuration")
		return
	}

	if push.Deleted || push.After == "" || push.After == zeroSHA {
		log.Info("ignoring push without a head commit", "ref", push.Ref)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "no head commit"})
		return
	}

	log.Info("push received", "ref", push.Ref, "commit", push.After)
	s.startRun(w, r, push.After, "webhook")
}

// validSignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC-SHA256 of body.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
