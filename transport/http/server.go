// Package http exposes the two Lark webhook endpoints: message events
// on / and interactive card callbacks on /card. Payload decryption and
// challenge handshakes happen here; everything of consequence is
// delegated to the dispatcher.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joonho-lim/LarkTrain/internal/domain"
	"github.com/joonho-lim/LarkTrain/internal/usecase"
)

const messageReceiveEvent = "im.message.receive_v1"

type Server struct {
	dispatcher        *usecase.Dispatcher
	cipher            *AESCipher
	verificationToken string
	logger            *slog.Logger
	mux               *http.ServeMux
}

// NewServer builds the webhook server. cipher may be nil when the app
// is configured without an encrypt key (Lark then posts plaintext).
func NewServer(dispatcher *usecase.Dispatcher, cipher *AESCipher, verificationToken string, logger *slog.Logger) *Server {
	s := &Server{
		dispatcher:        dispatcher,
		cipher:            cipher,
		verificationToken: verificationToken,
		logger:            logger,
		mux:               http.NewServeMux(),
	}
	s.mux.HandleFunc("/", s.handleEvent)
	s.mux.HandleFunc("/card", s.handleCard)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// eventEnvelope covers both the url_verification handshake and the
// 2.0 event schema.
type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "cannot read request body")
		return
	}

	raw, err := s.decryptBody(body)
	if err != nil {
		s.logger.Warn("event payload rejected", "error", err)
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "cannot decrypt request body")
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid event payload")
		return
	}

	if envelope.Challenge != "" {
		if !s.tokenOK(envelope.Token) {
			writeError(w, http.StatusForbidden, codeInvalidSignature, "verification token mismatch")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	if !s.tokenOK(envelope.Header.Token) {
		writeError(w, http.StatusForbidden, codeInvalidSignature, "verification token mismatch")
		return
	}
	if envelope.Header.EventType != messageReceiveEvent {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(envelope.Event.Message.Content), &content); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid message content")
		return
	}

	err = s.dispatcher.HandleMessage(r.Context(), envelope.Event.Sender.SenderID.OpenID, content.Text)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cardCallback struct {
	Challenge string `json:"challenge"`
	OpenID    string `json:"open_id"`
	Action    struct {
		Value struct {
			State string `json:"state"`
		} `json:"value"`
	} `json:"action"`
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
		return
	}

	var callback cardCallback
	if err := json.NewDecoder(r.Body).Decode(&callback); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid card payload")
		return
	}

	if callback.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": callback.Challenge})
		return
	}

	err := s.dispatcher.RosterAction(r.Context(), callback.OpenID, callback.Action.Value.State)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decryptBody unwraps the {"encrypt": "..."} envelope when present.
func (s *Server) decryptBody(body []byte) ([]byte, error) {
	var wrapper struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Encrypt == "" {
		return body, nil
	}
	if s.cipher == nil {
		return nil, errors.New("encrypted payload but no encrypt key configured")
	}
	plaintext, err := s.cipher.Decrypt(wrapper.Encrypt)
	if err != nil {
		return nil, err
	}
	return []byte(plaintext), nil
}

func (s *Server) tokenOK(token string) bool {
	return s.verificationToken == "" || token == s.verificationToken
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		activeErr     *domain.ActiveTrainError
		validationErr *domain.ValidationError
	)
	switch {
	case errors.As(err, &activeErr):
		writeError(w, http.StatusConflict, codeTrainActive, activeErr.Error())
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, codeValidation, validationErr.Msg)
	case errors.Is(err, domain.ErrNoActiveTrain):
		writeError(w, http.StatusNotFound, codeNoActiveTrain, err.Error())
	case errors.Is(err, domain.ErrNotIssuer):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
