package admin

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/plughost/pkg/httputil"
	"github.com/platinummonkey/plughost/pkg/plugins/host"
)

// InstallRequest is the body of POST /plugins and POST /plugins/validate.
type InstallRequest struct {
	Source         string `json:"source"`
	Force          bool   `json:"force,omitempty"`
	SkipValidation bool   `json:"skip_validation,omitempty"`
	NoVerify       bool   `json:"no_verify,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
}

func (r InstallRequest) options() host.InstallOptions {
	return host.InstallOptions{
		Force:          r.Force,
		SkipValidation: r.SkipValidation,
		NoVerify:       r.NoVerify,
		Checksum:       r.Checksum,
	}
}

// InstallResponse reports an install or update.
type InstallResponse struct {
	Plugin    host.Info `json:"plugin"`
	Installed bool      `json:"installed"`
	Previous  string    `json:"previous,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// listPlugins handles GET /plugins
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plugins": s.host.List(),
	})
}

// getPlugin handles GET /plugins/{id}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	info, err := s.host.Info(mux.Vars(r)["id"])
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// installPlugin handles POST /plugins
func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Source == "" {
		httputil.WriteBadRequest(w, "source is required")
		return
	}

	res, err := s.host.Install(r.Context(), req.Source, req.options())
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	status := http.StatusOK
	if res.Installed {
		status = http.StatusCreated
	}
	s.writeInstall(w, status, res)
}

// updatePlugin handles POST /plugins/{id}/update
func (s *Server) updatePlugin(w http.ResponseWriter, r *http.Request) {
	res, err := s.host.Update(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	s.writeInstall(w, http.StatusOK, res)
}

func (s *Server) writeInstall(w http.ResponseWriter, status int, res *host.InstallResult) {
	info, err := s.host.Info(res.Instance.ID())
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteJSON(w, status, InstallResponse{
		Plugin:    *info,
		Installed: res.Installed,
		Previous:  res.Previous,
		Warnings:  res.Warnings,
	})
}

// uninstallPlugin handles DELETE /plugins/{id}?force=
func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	force, err := httputil.ParseQueryBool(r, "force", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.host.Uninstall(r.Context(), mux.Vars(r)["id"], force); err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// validatePlugin handles POST /plugins/validate
func (s *Server) validatePlugin(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Source == "" {
		httputil.WriteBadRequest(w, "source is required")
		return
	}
	report, err := s.host.Validate(r.Context(), req.Source, req.options())
	if err != nil {
		httputil.WritePluginError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// cacheStats handles GET /cache
func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.host.CacheStats()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// clearCache handles DELETE /cache
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.host.ClearCache(); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
