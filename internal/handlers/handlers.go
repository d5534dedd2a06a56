package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/stone-check/internal/auth"
	"github.com/example/stone-check/internal/classifier"
	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/repository"
	"github.com/example/stone-check/internal/usecase"
	"github.com/example/stone-check/internal/web"
)

// MaxUploadSize is the default per-file limit.
const MaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed on top of the file size for the
// multipart envelope.
const multipartOverhead = 1 << 20

const uploadField = "file"

type Options struct {
	MaxUploadSize int64
	// HistoryAuth guards the history routes; UploadAuth only identifies the caller.
	HistoryAuth gin.HandlerFunc
	UploadAuth  gin.HandlerFunc
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.InferenceUseCase, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}
	if opts.HistoryAuth == nil {
		opts.HistoryAuth = auth.JWTMiddleware("", "")
	}
	if opts.UploadAuth == nil {
		opts.UploadAuth = auth.OptionalJWTMiddleware("", "")
	}
	index := web.IndexHTML()

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Health())
	})

	router.POST("/predict", opts.UploadAuth, func(c *gin.Context) {
		data, filename, ok := readUpload(c, opts.MaxUploadSize)
		if !ok {
			return
		}

		out, err := uc.Predict(c.Request.Context(), usecase.PredictInput{
			UserID:   auth.UserID(c.Request.Context()),
			Filename: filename,
			Data:     data,
		})
		if err != nil {
			writeProcessingError(c, "Prediction error", err)
			return
		}

		body := gin.H{
			"request_id": out.RequestID,
			"prediction": out.Label,
			"confidence": out.Confidence,
			"raw_score":  out.RawScore,
			"mode":       out.Mode,
			"demo":       out.Demo(),
		}
		if out.Notice != "" {
			body["notice"] = out.Notice
		}
		c.JSON(http.StatusOK, body)
	})

	router.POST("/explain", func(c *gin.Context) {
		data, _, ok := readUpload(c, opts.MaxUploadSize)
		if !ok {
			return
		}

		exp, err := uc.Explain(c.Request.Context(), data)
		if err != nil {
			writeProcessingError(c, "Explanation error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"heatmap": exp.Heatmap,
			"mode":    exp.Mode,
			"demo":    exp.Mode == classifier.ModeDemoFallback,
		})
	})

	history := router.Group("/", opts.HistoryAuth)

	history.GET("/result/:id", func(c *gin.Context) {
		scan, err := uc.GetResult(c.Request.Context(), auth.UserID(c.Request.Context()), c.Param("id"))
		if err != nil {
			writeHistoryError(c, err)
			return
		}
		c.JSON(http.StatusOK, scan)
	})

	history.GET("/history", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
				return
			}
			limit = n
		}

		scans, err := uc.ListHistory(c.Request.Context(), auth.UserID(c.Request.Context()), limit)
		if err != nil {
			writeHistoryError(c, err)
			return
		}
		if scans == nil {
			scans = []*repository.ScanLog{}
		}
		c.JSON(http.StatusOK, gin.H{"scans": scans, "count": len(scans)})
	})

	history.DELETE("/history/:id", func(c *gin.Context) {
		if err := uc.DeleteScan(c.Request.Context(), auth.UserID(c.Request.Context()), c.Param("id")); err != nil {
			writeHistoryError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	history.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context(), auth.UserID(c.Request.Context()))
		if err != nil {
			writeHistoryError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// readUpload extracts the image bytes from the multipart field. On failure the
// response has been written and ok is false.
func readUpload(c *gin.Context, maxSize int64) (data []byte, filename string, ok bool) {
	if c.Request.ContentLength > maxSize+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": tooLargeMessage(maxSize)})
		return nil, "", false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	file, err := c.FormFile(uploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": tooLargeMessage(maxSize)})
			return nil, "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required in form field \"file\""})
		return nil, "", false
	}

	if file.Size > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": tooLargeMessage(maxSize)})
		return nil, "", false
	}
	if !allowedContentType(file) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type, upload an image"})
		return nil, "", false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, "", false
	}
	defer src.Close()

	data, err = io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, "", false
	}
	return data, file.Filename, true
}

func allowedContentType(file *multipart.FileHeader) bool {
	ct := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == "" || ct == "application/octet-stream" || strings.HasPrefix(ct, "image/")
}

func tooLargeMessage(maxSize int64) string {
	return fmt.Sprintf("file exceeds the %d MB upload limit", maxSize>>20)
}

func writeProcessingError(c *gin.Context, prefix string, err error) {
	cause := logging.Cause(err)
	if errors.Is(err, classifier.ErrInvalidImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": cause.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": prefix + ": " + cause.Error()})
}

func writeHistoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": logging.Cause(err).Error()})
	}
}
