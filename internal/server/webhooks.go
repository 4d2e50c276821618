package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskledger/internal/engine"
)

const maxWebhookBody = 8 << 20

func registerWebhook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:  "helius-webhook",
		Method:       http.MethodPost,
		Path:         "/webhook/helius",
		Summary:      "Receive a Helius transaction delivery",
		Description:  "Accepts raw or enhanced transactions, as one object or an array.",
		MaxBodyBytes: maxWebhookBody,
		Errors:       []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		Token         string `query:"token"`
		RawBody       []byte
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		if !e.Receiver.Authorize(input.Authorization, input.Token) {
			e.Metrics.Webhook("unauthorized")
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook secret", nil)
		}
		res, err := e.ReceiveWebhook(ctx, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{OK: true, Result: res}}, nil
	})
}
