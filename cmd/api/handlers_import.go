package main

import (
	"io"
	"mime"
	"net/http"

	"offmarket/credential"
	"offmarket/importer"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// importFormat takes ?format= first and falls back to the Content-Type.
func importFormat(r *http.Request) importer.Format {
	if f := r.URL.Query().Get("format"); f != "" {
		return importer.Format(f)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == xlsxContentType {
		return importer.FormatXLSX
	}
	return importer.FormatJSON
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	key, ok := r.Context().Value(ctxKeyAPIKey).(credential.Credential)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing api key", ErrorKind: "unauthorized"})
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "could not read request body")
		return
	}
	res, err := s.importService.Import(r.Context(), key, importFormat(r), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	data, err := importer.Template()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="properties.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
