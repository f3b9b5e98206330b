package handlers

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/config"
)

// tags reported by the chat request struct validation
const (
	tagMaxImages       = "max_images"
	tagMaxDocuments    = "max_documents"
	tagMaxBytes        = "max_bytes"
	tagMaxChars        = "max_chars"
	tagMessageRequired = "message_required"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("notblank", validators.NotBlank)
		v.RegisterStructValidation(validateChatLimits, sendChatReq{})
	}
}

type documentReq struct {
	Filename string `json:"filename" binding:"max=255"`
	Content  string `json:"content" binding:"required"`
}

// chatLimits carries the configured bounds into struct validation.
type chatLimits struct {
	maxImages int
	maxDocs   int
	maxBytes  int
	maxChars  int
}

func limitsFrom(cfg config.Config) chatLimits {
	return chatLimits{
		maxImages: cfg.MaxImages,
		maxDocs:   cfg.MaxDocuments,
		maxBytes:  cfg.MaxDocumentBytes,
		maxChars:  cfg.MaxMessageChars,
	}
}

type sendChatReq struct {
	SessionID   string        `json:"sessionId" binding:"max=64"`
	MessageID   string        `json:"messageId" binding:"max=128"`
	Message     string        `json:"message"`
	Images      []string      `json:"images"`
	Documents   []documentReq `json:"documents" binding:"dive"`
	PDFs        []documentReq `json:"pdfs" binding:"dive"`
	OCRText     string        `json:"ocr_text"`
	PrivateMode bool          `json:"privateMode"`

	limits chatLimits
}

// validateChatLimits checks the config driven bounds. Sizes are measured on
// the base64 payload; legacy pdfs count against the document cap.
func validateChatLimits(sl validator.StructLevel) {
	r, ok := sl.Current().Interface().(sendChatReq)
	if !ok {
		return
	}
	lim := r.limits

	if len(r.Images) > lim.maxImages {
		sl.ReportError(r.Images, "images", "Images", tagMaxImages, strconv.Itoa(lim.maxImages))
	}
	if len(r.Documents)+len(r.PDFs) > lim.maxDocs {
		sl.ReportError(r.Documents, "documents", "Documents", tagMaxDocuments, strconv.Itoa(lim.maxDocs))
	}
	for _, img := range r.Images {
		if len(img) > lim.maxBytes {
			sl.ReportError(r.Images, "images", "Images", tagMaxBytes, strconv.Itoa(lim.maxBytes))
			break
		}
	}
	for _, d := range append(append([]documentReq(nil), r.Documents...), r.PDFs...) {
		if len(d.Content) > lim.maxBytes {
			sl.ReportError(r.Documents, "documents", "Documents", tagMaxBytes, strconv.Itoa(lim.maxBytes))
			break
		}
	}
	if utf8.RuneCountInString(r.Message) > lim.maxChars {
		sl.ReportError(r.Message, "message", "Message", tagMaxChars, strconv.Itoa(lim.maxChars))
	}
	if strings.TrimSpace(r.Message) == "" && len(r.Images) == 0 && len(r.Documents)+len(r.PDFs) == 0 {
		sl.ReportError(r.Message, "message", "Message", tagMessageRequired, "")
	}
}

// chatValidationFailure maps validator failures onto business codes. With
// several failures the lowest code wins, so the answer does not depend on
// validation order.
func chatValidationFailure(err error) (int, string, bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return 0, "", false
	}
	code, msg := 0, ""
	for _, fe := range verrs {
		c, m := chatFieldCode(fe)
		if code == 0 || c < code {
			code, msg = c, m
		}
	}
	return code, msg, code != 0
}

func chatFieldCode(fe validator.FieldError) (int, string) {
	switch fe.Tag() {
	case tagMaxImages:
		return 10010, "too many images"
	case tagMaxDocuments:
		return 10011, "too many documents"
	case tagMaxBytes:
		return 10012, "attachment too large"
	case tagMaxChars:
		return 10013, "message too long"
	case tagMessageRequired:
		return 10014, "message required"
	}
	switch fe.StructField() {
	case "SessionID", "MessageID":
		return 10015, "id too long"
	case "Filename", "Content":
		return 10012, "invalid document"
	}
	return 10001, "invalid request"
}

// normalize trims ids and folds the legacy pdfs field into documents.
func (r *sendChatReq) normalize() {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.MessageID = strings.TrimSpace(r.MessageID)
	r.Documents = append(r.Documents, r.PDFs...)
	r.PDFs = nil
}

// bodyLimit bounds the request body so oversized payloads fail while reading.
func bodyLimit(cfg config.Config) int64 {
	perItem := int64(cfg.MaxDocumentBytes) + 1024
	return int64(cfg.MaxImages+cfg.MaxDocuments+1)*perItem + int64(cfg.MaxMessageChars)*4 + 64<<10
}

func (r *sendChatReq) documents() []ai.Document {
	if len(r.Documents) == 0 {
		return nil
	}
	out := make([]ai.Document, 0, len(r.Documents))
	for _, d := range r.Documents {
		out = append(out, ai.Document{Filename: d.Filename, Content: d.Content})
	}
	return out
}

func isValidationError(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs)
}
