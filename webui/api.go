package webui

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/dispatch"
	"thumbgen/history"
	"thumbgen/imagegen"
	"thumbgen/metrics"
	"thumbgen/quota"
	"thumbgen/studio"
)

var errNothingToRestore = errors.New("webui: nothing to restore")

type generateRequest struct {
	Brief       imagegen.ThumbnailBrief `json:"brief"`
	Image       string                  `json:"image"`
	SecondImage string                  `json:"second_image"`
	Variations  int                     `json:"variations"`
}

type proRequest struct {
	Prompt string `json:"prompt"`
}

type recreateRequest struct {
	Original  string `json:"original"`
	Character string `json:"character"`
	Text      string `json:"text"`
}

type filterRequest struct {
	Filter string `json:"filter"`
}

type backgroundRequest struct {
	Description string `json:"description"`
}

type customBackgroundRequest struct {
	Background string `json:"background"`
}

type activateRequest struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

// BatchResponse is returned by routes that start a batch.
type BatchResponse struct {
	BatchID string `json:"batch_id"`
}

// QuotaResponse is the body of GET /api/quota.
type QuotaResponse struct {
	quota.Record
	Watermark bool `json:"watermark"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Stats  metrics.RunStats    `json:"stats"`
	Recent []metrics.RunRecord `json:"recent"`
}

// parseImage decodes an optional data URL field.
func parseImage(field, s string) (imagegen.Image, error) {
	if s == "" {
		return imagegen.Image{}, nil
	}
	img, err := imagegen.ParseDataURL(s)
	if err != nil {
		return imagegen.Image{}, &badRequest{msg: "The " + field + " field is not a valid image data URL."}
	}
	return img, nil
}

// session resolves the caller's studio session.
func (s *Server) session(r *http.Request) (*studio.Session, error) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return nil, core.ErrNotAuthenticated
	}
	return s.studio.Session(r.Context(), id.UserID)
}

// withSession adapts a handler that needs the caller's session.
func (s *Server) withSession(h func(w http.ResponseWriter, r *http.Request, sess *studio.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.session(r)
		if err == nil {
			err = h(w, r, sess)
		}
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				s.logger.Error("request failed",
					zap.String("path", r.URL.Path), zap.Error(err))
			}
			writeError(w, err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	draining := s.draining != nil && s.draining()
	status := s.stats.SystemStatus(s.dispatcher.InFlight(), draining)
	code := http.StatusOK
	if draining {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	sess.Reset()
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	rec, err := s.ledger.Snapshot(r.Context(), sess.UserID())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, QuotaResponse{Record: rec, Watermark: s.ledger.Watermark(rec)})
	return nil
}

// --- credit-consuming requests ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req generateRequest
	if err := s.schemas.decode(r, "generate", &req); err != nil {
		return err
	}
	image, err := parseImage("image", req.Image)
	if err != nil {
		return err
	}
	second, err := parseImage("second_image", req.SecondImage)
	if err != nil {
		return err
	}
	conf, err := sess.RequestGenerate(r.Context(), dispatch.GenerateInput{
		Brief:       req.Brief,
		Image:       image,
		SecondImage: second,
		Variations:  req.Variations,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conf)
	return nil
}

func (s *Server) handlePro(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req proRequest
	if err := s.schemas.decode(r, "pro", &req); err != nil {
		return err
	}
	conf, err := sess.RequestPro(r.Context(), req.Prompt)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conf)
	return nil
}

func (s *Server) handleRecreate(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req recreateRequest
	if err := s.schemas.decode(r, "recreate", &req); err != nil {
		return err
	}
	original, err := parseImage("original", req.Original)
	if err != nil {
		return err
	}
	character, err := parseImage("character", req.Character)
	if err != nil {
		return err
	}
	conf, err := sess.RequestRecreate(r.Context(), dispatch.RecreateInput{
		Original:  original,
		Character: character,
		Text:      req.Text,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, conf)
	return nil
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	batchID, err := sess.Confirm(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, BatchResponse{BatchID: batchID})
	return nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	if err := sess.Cancel(); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

// --- edits ---

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req filterRequest
	if err := s.schemas.decode(r, "filter", &req); err != nil {
		return err
	}
	return s.accepted(w)(sess.ApplyFilter(r.Context(), req.Filter))
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req backgroundRequest
	if err := s.schemas.decode(r, "background", &req); err != nil {
		return err
	}
	return s.accepted(w)(sess.ChangeBackground(r.Context(), req.Description))
}

func (s *Server) handleCustomBackground(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var req customBackgroundRequest
	if err := s.schemas.decode(r, "custom-background", &req); err != nil {
		return err
	}
	bg, err := parseImage("background", req.Background)
	if err != nil {
		return err
	}
	return s.accepted(w)(sess.ApplyCustomBackground(r.Context(), bg))
}

func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	return s.accepted(w)(sess.Upscale(r.Context()))
}

// accepted writes 202 with the batch id of a started edit.
func (s *Server) accepted(w http.ResponseWriter) func(batchID string, err error) error {
	return func(batchID string, err error) error {
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusAccepted, BatchResponse{BatchID: batchID})
		return nil
	}
}

// --- editor ---

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return &badRequest{msg: "The variation index must be a number."}
	}
	if err := sess.SelectVariation(index); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	var props history.TextProperties
	if err := s.schemas.decode(r, "text", &props); err != nil {
		return err
	}
	sess.UpdateText(props)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	if !sess.Undo() {
		return errNothingToRestore
	}
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request, sess *studio.Session) error {
	if !sess.Redo() {
		return errNothingToRestore
	}
	writeJSON(w, http.StatusOK, sess.View(r.Context()))
	return nil
}

// --- stats and billing ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	limit := s.config.DefaultStatsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, &badRequest{msg: "limit must be a positive number."})
			return
		}
		limit = n
	}
	if limit > s.config.MaxStatsLimit {
		limit = s.config.MaxStatsLimit
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:  s.stats.Stats(),
		Recent: s.stats.RecentRuns(limit),
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := s.schemas.decode(r, "activate", &req); err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.ledger.Catalog().Lookup(req.Plan); !ok {
		writeError(w, core.NewValidationError("Unknown plan "+strconv.Quote(req.Plan)+"."))
		return
	}
	rec, err := s.ledger.Purchase(r.Context(), req.UserID, req.Plan)
	if err != nil {
		s.logger.Error("plan activation failed",
			zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotaResponse{Record: rec, Watermark: s.ledger.Watermark(rec)})
}

// handleWebSocket upgrades the connection and sends the session state
// first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	initial := NewWSMessage(MessageTypeSessionState, sess.View(r.Context()))
	s.hub.Serve(w, r, sess.UserID(), &initial)
}
