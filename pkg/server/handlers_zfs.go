package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/polisai/polis-exec/pkg/zfs"
)

// DatasetBody names a dataset; unlock requests may also carry the passphrase.
type DatasetBody struct {
	DatasetName string `json:"dataset_name"`
	Passphrase  string `json:"passphrase,omitempty"`
}

// DatasetState is the per-dataset body of the encrypted state routes.
type DatasetState struct {
	DatasetName string `json:"dataset_name"`
	KeyLoaded   bool   `json:"key_loaded"`
	IsMounted   bool   `json:"is_mounted"`
}

// DatasetsState maps dataset names to their state.
type DatasetsState struct {
	States map[string]DatasetState `json:"states"`
}

// KeyLoadedResponse is returned by a successful unlock.
type KeyLoadedResponse struct {
	DatasetName string `json:"dataset_name"`
	KeyLoaded   bool   `json:"key_loaded"`
}

// DatasetMountedResponse is returned by a successful mount.
type DatasetMountedResponse struct {
	DatasetName string `json:"dataset_name"`
	IsMounted   bool   `json:"is_mounted"`
}

func stateOf(ds zfs.Dataset) DatasetState {
	return DatasetState{DatasetName: ds.Name, KeyLoaded: !ds.Locked, IsMounted: ds.Mounted}
}

func (s *Server) storageDisabled(w http.ResponseWriter, r *http.Request) bool {
	if s.storage != nil {
		return false
	}
	writeStorageError(w, r, &zfs.StorageError{Kind: zfs.ErrDisabled})
	return true
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if s.storageDisabled(w, r) {
		return
	}
	datasets, _, err := s.storage.ListDatasets(r.Context())
	s.recordStorage(r, "list", "", err)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if datasets == nil {
		datasets = []zfs.Dataset{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleEncryptedDatasetsState(w http.ResponseWriter, r *http.Request) {
	if s.storageDisabled(w, r) {
		return
	}
	datasets, err := s.storage.EncryptedDatasets(r.Context())
	s.recordStorage(r, "list", "", err)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := DatasetsState{States: make(map[string]DatasetState, len(datasets))}
	for _, ds := range datasets {
		resp.States[ds.Name] = stateOf(ds)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEncryptedDatasetState(w http.ResponseWriter, r *http.Request) {
	if s.storageDisabled(w, r) {
		return
	}
	body, ok := s.decodeDatasetBody(w, r)
	if !ok {
		return
	}

	ds, err := s.storage.EncryptedDataset(r.Context(), body.DatasetName)
	s.recordStorage(r, "get", body.DatasetName, err)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(ds))
}

// handleLoadKey takes the passphrase from the JSON body, falling back to the
// Authorization header. The passphrase never appears in a response or log.
func (s *Server) handleLoadKey(w http.ResponseWriter, r *http.Request) {
	if s.storageDisabled(w, r) {
		return
	}
	body, ok := s.decodeDatasetBody(w, r)
	if !ok {
		return
	}

	if !s.allow(w, r, s.unlockLimiter, "unlock", body.DatasetName) {
		return
	}

	passphrase := []byte(body.Passphrase)
	if len(passphrase) == 0 {
		passphrase = []byte(passphraseFromHeader(r.Header.Get("Authorization")))
	}
	defer clear(passphrase)

	err := s.storage.Unlock(r.Context(), body.DatasetName, passphrase)
	s.recordStorage(r, "unlock", body.DatasetName, err)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, KeyLoadedResponse{DatasetName: body.DatasetName, KeyLoaded: true})
}

func (s *Server) handleMountDataset(w http.ResponseWriter, r *http.Request) {
	if s.storageDisabled(w, r) {
		return
	}
	body, ok := s.decodeDatasetBody(w, r)
	if !ok {
		return
	}

	err := s.storage.Mount(r.Context(), body.DatasetName)
	s.recordStorage(r, "mount", body.DatasetName, err)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DatasetMountedResponse{DatasetName: body.DatasetName, IsMounted: true})
}

func (s *Server) decodeDatasetBody(w http.ResponseWriter, r *http.Request) (DatasetBody, bool) {
	var body DatasetBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStorageBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, KindInputTooLarge, "request body too large")
			return body, false
		}
		writeError(w, r, http.StatusBadRequest, KindBadRequest, "invalid request body")
		return body, false
	}
	if body.DatasetName == "" {
		writeError(w, r, http.StatusBadRequest, KindBadRequest, "dataset_name is required")
		return body, false
	}
	return body, true
}

// passphraseFromHeader accepts the raw header value or a Bearer token.
func passphraseFromHeader(v string) string {
	if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
		return rest
	}
	return v
}

func (s *Server) recordStorage(r *http.Request, operation, dataset string, err error) {
	kind := zfs.ErrorKind(err)
	if s.metrics != nil {
		s.metrics.RecordStorageOperation(operation, kind)
	}
	s.log.LogStorageEvent(r.Context(), operation, dataset, kind)
}
