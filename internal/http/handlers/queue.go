package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/castarr/internal/cast"
)

// QueueHandler manages the play queue that casting sessions draw from.
type QueueHandler struct {
	queue *cast.Queue
}

// NewQueueHandler creates a queue handler.
func NewQueueHandler(queue *cast.Queue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// QueueItemRequest is a single queue entry in requests.
type QueueItemRequest struct {
	URL   string `json:"url" format:"uri" doc:"Upstream stream URL" minLength:"1"`
	Title string `json:"title,omitempty" doc:"Display title for the item"`
}

// SetQueueInput replaces the queue contents.
type SetQueueInput struct {
	Body struct {
		Items []QueueItemRequest `json:"items" doc:"Queue entries in play order"`
	}
}

// QueueResponse describes the queue contents and position.
type QueueResponse struct {
	Items    []QueueItemRequest `json:"items"`
	Position int                `json:"position" doc:"Index of the current item"`
}

// GetQueueOutput is the output for reading the queue.
type GetQueueOutput struct {
	Body QueueResponse
}

// SetQueueOutput is the output for replacing the queue.
type SetQueueOutput struct {
	Body QueueResponse
}

// AdvanceQueueOutput is the output for advancing the queue.
type AdvanceQueueOutput struct {
	Body QueueResponse
}

// Register registers the queue routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getQueue",
		Method:      "GET",
		Path:        "/api/v1/queue",
		Summary:     "Get the play queue",
		Tags:        []string{"Queue"},
	}, h.GetQueue)

	huma.Register(api, huma.Operation{
		OperationID: "setQueue",
		Method:      "PUT",
		Path:        "/api/v1/queue",
		Summary:     "Replace the play queue",
		Description: "Replaces the queue contents and resets the position to the first item.",
		Tags:        []string{"Queue"},
	}, h.SetQueue)

	huma.Register(api, huma.Operation{
		OperationID: "advanceQueue",
		Method:      "POST",
		Path:        "/api/v1/queue/next",
		Summary:     "Advance to the next queue item",
		Tags:        []string{"Queue"},
	}, h.AdvanceQueue)

	huma.Register(api, huma.Operation{
		OperationID: "clearQueue",
		Method:      "DELETE",
		Path:        "/api/v1/queue",
		Summary:     "Clear the play queue",
		Tags:        []string{"Queue"},
	}, h.ClearQueue)
}

// GetQueue returns the queue contents and current position.
func (h *QueueHandler) GetQueue(_ context.Context, _ *struct{}) (*GetQueueOutput, error) {
	return &GetQueueOutput{Body: h.snapshot()}, nil
}

// SetQueue replaces the queue contents.
func (h *QueueHandler) SetQueue(_ context.Context, input *SetQueueInput) (*SetQueueOutput, error) {
	items := make([]cast.Item, 0, len(input.Body.Items))
	for _, item := range input.Body.Items {
		items = append(items, cast.Item{URL: item.URL, Title: item.Title})
	}
	h.queue.Set(items)
	return &SetQueueOutput{Body: h.snapshot()}, nil
}

// AdvanceQueue moves to the next item.
func (h *QueueHandler) AdvanceQueue(_ context.Context, _ *struct{}) (*AdvanceQueueOutput, error) {
	if !h.queue.Advance() {
		return nil, huma.Error409Conflict("Already at the end of the queue")
	}
	return &AdvanceQueueOutput{Body: h.snapshot()}, nil
}

// ClearQueue empties the queue.
func (h *QueueHandler) ClearQueue(_ context.Context, _ *struct{}) (*struct{}, error) {
	h.queue.Clear()
	return &struct{}{}, nil
}

func (h *QueueHandler) snapshot() QueueResponse {
	items, pos := h.queue.Items()
	resp := QueueResponse{
		Items:    make([]QueueItemRequest, 0, len(items)),
		Position: pos,
	}
	for _, item := range items {
		resp.Items = append(resp.Items, QueueItemRequest{URL: item.URL, Title: item.Title})
	}
	return resp
}
