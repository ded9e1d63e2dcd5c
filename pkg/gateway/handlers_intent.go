package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/registry"
)

// TrainResponse reports a completed training run.
type TrainResponse struct {
	Samples int `json:"samples"`
	Report  any `json:"report"`
}

// SampleResponse echoes a stored training sample.
type SampleResponse struct {
	Text      string `json:"text"`
	Intent    string `json:"intent"`
	Source    string `json:"source"`
	Validated bool   `json:"validated"`
}

// handleTrain fits the classifier from the stored samples and persists
// the model. Admin only. The body is optional.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	samples, err := s.reg.Store().ListTrainingSamples(ctx, req.ValidatedOnly)
	if err != nil {
		s.log.Error("list training samples failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	texts := make([]string, len(samples))
	labels := make([]string, len(samples))
	for i, sample := range samples {
		texts[i] = sample.Text
		labels[i] = sample.Intent
	}

	report, err := s.intents.Train(texts, labels)
	if err != nil {
		s.auditLogger(ctx).LogTrain(ctx, len(samples), &audit.EventResult{Status: "failed", Error: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.auditLogger(ctx).LogTrain(ctx, len(samples), &audit.EventResult{Status: "success"})
	s.log.Info("intent model trained", "samples", len(samples), "classes", report.NumClasses, "accuracy", report.Accuracy)

	writeJSON(w, http.StatusOK, TrainResponse{Samples: len(samples), Report: report})
}

// handleAddSample stores one labelled utterance for later training.
func (s *Server) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var req AddSampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	req.Intent = strings.TrimSpace(req.Intent)
	if req.Text == "" || req.Intent == "" {
		writeError(w, http.StatusBadRequest, "text and intent are required")
		return
	}

	sample := &registry.TrainingSample{
		Text:             req.Text,
		Intent:           req.Intent,
		Source:           "manual",
		ConfidenceWeight: 1.0,
		IsValidated:      req.Validated,
	}
	if err := s.reg.Store().AddTrainingSample(r.Context(), sample); err != nil {
		s.log.Error("store training sample failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, SampleResponse{
		Text:      sample.Text,
		Intent:    sample.Intent,
		Source:    sample.Source,
		Validated: sample.IsValidated,
	})
}
