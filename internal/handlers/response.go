package handlers

import (
	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/pipeline"
)

type removeResponse struct {
	Image    string `json:"image"`
	SizeType string `json:"size_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// batchEntry is either a success (image fields set) or a failure (error set).
type batchEntry struct {
	OriginalName string `json:"original_name"`
	Image        string `json:"image,omitempty"`
	SizeType     string `json:"size_type,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Error        string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchEntry `json:"results"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

func newRemoveResponse(out *pipeline.Output) removeResponse {
	return removeResponse{
		Image:    out.Image,
		SizeType: out.Tier.String(),
		Width:    out.Width,
		Height:   out.Height,
	}
}

func newBatchResponse(results []pipeline.Result) batchResponse {
	entries := make([]batchEntry, 0, len(results))
	for _, r := range results {
		if r.Failed() {
			entries = append(entries, batchEntry{OriginalName: r.Name, Error: r.Err.Error()})
			continue
		}
		entries = append(entries, batchEntry{
			OriginalName: r.Name,
			Image:        r.Output.Image,
			SizeType:     r.Output.Tier.String(),
			Width:        r.Output.Width,
			Height:       r.Output.Height,
		})
	}
	return batchResponse{Results: entries}
}

func newUserResponse(user *identity.User) *userResponse {
	if user == nil {
		return nil
	}
	return &userResponse{ID: user.ID, Email: user.Email, Username: user.Username, Name: user.Name}
}
