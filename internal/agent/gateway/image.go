package gateway

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/macromate/server/internal/agent/model"
)

// ImageURL turns an image reference into something a chat model accepts: http(s) and
// data URIs pass through, raw bytes become a base64 data URI.
func ImageURL(img *model.ImageRef) (url string, mimeType string, err error) {
	if !img.Present() {
		return "", "", errors.New("image reference is empty")
	}
	if u := strings.TrimSpace(img.URL); u != "" {
		mimeType = img.MIMEType
		if mimeType == "" && strings.HasPrefix(u, "data:") {
			if end := strings.IndexAny(u, ";,"); end > len("data:") {
				mimeType = u[len("data:"):end]
			}
		}
		return u, mimeType, nil
	}
	mimeType = img.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(img.Data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data), mimeType, nil
}

// UserImageMessage builds a user turn carrying text and one image.
func UserImageMessage(text string, img *model.ImageRef) (*schema.Message, error) {
	url, mimeType, err := ImageURL(img)
	if err != nil {
		return nil, err
	}
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: text},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: url, MIMEType: mimeType}},
		},
	}, nil
}
