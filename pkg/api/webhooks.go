package api

import (
	"net/http"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
	"github.com/mizan-labs/idis/pkg/webhook"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookListResponse struct {
	Webhooks []*webhook.Endpoint `json:"webhooks"`
}

// registerWebhook subscribes an endpoint to run lifecycle events. The
// webhook service emits webhook.registered fatally inside Register, so the
// boundary must not emit a second event.
func (s *Server) registerWebhook(r *http.Request, m *Mutation) (int, any, error) {
	tc, err := s.authorize(r, security.OpWebhookManage, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	if s.hooks == nil {
		return 0, nil, errs.New(errs.CodeInternal, "Webhook service is not configured")
	}
	var req registerWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}

	ep, err := s.hooks.Register(r.Context(), tc, s.auditRequest(r, http.StatusCreated), req.URL, req.Events)
	if err != nil {
		return 0, nil, err
	}
	m.Resource = audit.Resource{ResourceType: "WEBHOOK", ResourceID: ep.WebhookID}
	m.Recorded = true
	return http.StatusCreated, ep, nil
}

func (s *Server) listWebhooks(r *http.Request) (int, any, error) {
	tc, err := s.authorize(r, security.OpWebhookManage, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	if s.hooks == nil {
		return 0, nil, errs.New(errs.CodeInternal, "Webhook service is not configured")
	}
	eps, err := s.hooks.List(r.Context(), tc, s.auditRequest(r, http.StatusOK))
	if err != nil {
		return 0, nil, err
	}
	if eps == nil {
		eps = []*webhook.Endpoint{}
	}
	return http.StatusOK, webhookListResponse{Webhooks: eps}, nil
}

func (s *Server) removeWebhook(r *http.Request, m *Mutation) (int, any, error) {
	webhookID := r.PathValue("webhookId")
	tc, err := s.authorize(r, security.OpWebhookManage, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	if s.hooks == nil {
		return 0, nil, errs.New(errs.CodeInternal, "Webhook service is not configured")
	}

	if err := s.hooks.Remove(r.Context(), tc, s.auditRequest(r, http.StatusNoContent), webhookID); err != nil {
		return 0, nil, err
	}
	m.Resource = audit.Resource{ResourceType: "WEBHOOK", ResourceID: webhookID}
	m.Recorded = true
	return http.StatusNoContent, nil, nil
}
