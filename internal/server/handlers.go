package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dudu/crowdface/internal/compositing"
	"github.com/dudu/crowdface/internal/imageio"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/matching"
	"github.com/dudu/crowdface/internal/pipeline"
)

// MixResponse describes a finished mix
type MixResponse struct {
	ID        string `json:"id"`
	ResultURL string `json:"result_url"`
	AnswerURL string `json:"answer_url"`
	Faces     int    `json:"faces"` // distinct crowd faces replaced
	Exhausted int    `json:"exhausted,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "crowdface",
		"status":  "ok",
		"mix":     "POST /create_mix (image_crowd, image_selfie, point=x,y)",
	})
}

// createMix blends the selfie into the crowd and stores both outputs
// under the static directory
func (s *Server) createMix(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.Server.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(int64(s.config.Server.MaxUploadMB) << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	crowd, err := formImage(r, "image_crowd")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	selfie, err := formImage(r, "image_selfie")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var points []image.Point
	for _, v := range r.MultipartForm.Value["point"] {
		p, err := pipeline.ParsePoint(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		points = append(points, p)
	}

	out, err := s.mixer.Mix(r.Context(), crowd, []pipeline.Selfie{{Image: selfie, Points: points}})
	if err != nil {
		if errors.Is(err, matching.ErrNoFaces) || errors.Is(err, compositing.ErrNoPairs) {
			logging.Infof("mix not possible: %v", err)
			respondError(w, http.StatusUnprocessableEntity, "mix not possible: "+err.Error())
			return
		}
		logging.Errorf("mix failed: %v", err)
		respondError(w, http.StatusInternalServerError, "mix failed")
		return
	}

	id := uuid.New().String()
	if err := s.save(id, out); err != nil {
		logging.Errorf("failed to store mix %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "failed to store result")
		return
	}

	respondJSON(w, http.StatusOK, MixResponse{
		ID:        id,
		ResultURL: "/static/" + id + "-result.jpeg",
		AnswerURL: "/static/" + id + "-answer.jpeg",
		Faces:     len(out.Boxes) - out.Exhausted,
		Exhausted: out.Exhausted,
		ElapsedMS: out.Timing.Total.Milliseconds(),
	})
}

func (s *Server) save(id string, out *pipeline.Output) error {
	dir := s.config.Server.StaticDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	quality := s.config.Images.JPEGQuality
	if err := imageio.SaveJPEG(filepath.Join(dir, id+"-result.jpeg"), out.Result, quality); err != nil {
		return err
	}
	return imageio.SaveJPEG(filepath.Join(dir, id+"-answer.jpeg"), out.Answer, quality)
}

func formImage(r *http.Request, field string) (image.Image, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%s is required", field)
	}
	defer f.Close()

	img, err := imageio.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", field, err)
	}
	return img, nil
}
