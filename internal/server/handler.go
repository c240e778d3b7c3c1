package server

import (
	"encoding/json"
	"net/http"

	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/recipe"
)

// Polling hint for jobs still in flight. Terminal jobs change their ETag, so
// no hint is needed there.
const activeRetryAfter = "1"

type handler struct {
	jobSvc    *importjob.Service
	recipeSvc *recipe.Service
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createJob accepts a new import request. The caller's identity arrives in
// X-User-ID from the trusted upstream that already authenticated the user.
func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}

	var body struct {
		SourceRef string `json:"source_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j, err := h.jobSvc.Create(r.Context(), importjob.CreateJobRequest{
		OwnerID:   ownerID,
		SourceRef: body.SourceRef,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// getJob serves the polling protocol: a matching If-None-Match yields a 304
// with headers only, and active jobs carry a Retry-After hint.
func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Get(r.Context(), importjob.GetJobRequest{
		ID:      r.PathValue("id"),
		OwnerID: r.Header.Get("X-User-ID"),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	etag := j.ETag()
	w.Header().Set("ETag", etag)
	if !j.Status.Terminal() {
		w.Header().Set("Retry-After", activeRetryAfter)
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) getRecipe(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}

	rec, err := h.recipeSvc.Get(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Internal endpoints below are reachable only through the service-token
// middleware; callers are workers, not users.

func (h *handler) internalGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Get(r.Context(), importjob.GetJobRequest{
		ID:       r.PathValue("id"),
		Internal: true,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		RecipeID     string `json:"recipe_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j, err := h.jobSvc.UpdateStatus(r.Context(), importjob.UpdateStatusRequest{
		JobID:        r.PathValue("id"),
		Status:       importjob.Status(body.Status),
		ErrorMessage: body.ErrorMessage,
		RecipeID:     body.RecipeID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) createRecipeFromJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID       string              `json:"owner_id"`
		SourceRef     string              `json:"source_ref"`
		Title         string              `json:"title"`
		Description   string              `json:"description"`
		Ingredients   []recipe.Ingredient `json:"ingredients"`
		Steps         []recipe.Step       `json:"steps"`
		RawTranscript string              `json:"raw_transcript"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.recipeSvc.CreateFromJob(r.Context(), recipe.CreateFromJobRequest{
		JobID:         r.PathValue("id"),
		OwnerID:       body.OwnerID,
		SourceRef:     body.SourceRef,
		Title:         body.Title,
		Description:   body.Description,
		Ingredients:   body.Ingredients,
		Steps:         body.Steps,
		RawTranscript: body.RawTranscript,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyExists {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *handler) storeTranscript(w http.ResponseWriter, r *http.Request) {
	var t importjob.Transcript
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t.JobID = r.PathValue("id")

	if err := h.jobSvc.SaveTranscript(r.Context(), importjob.SaveTranscriptRequest{Transcript: t}); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := h.jobSvc.GetTranscript(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
