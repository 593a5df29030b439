package push

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/imjasonh/offlinefirst/keys"
	"github.com/imjasonh/offlinefirst/storage"
	"github.com/imjasonh/offlinefirst/webpush"
)

type subscribeRequest struct {
	Endpoint  string       `json:"endpoint" validate:"required,url,startswith=https://"`
	Keys      webpush.Keys `json:"keys" validate:"required"`
	UserID    string       `json:"userId,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

type echoValidator struct {
	validate *validator.Validate
}

func (v echoValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

// Configure installs the validator and error handler the push routes rely
// on.
func Configure(e *echo.Echo) {
	e.Validator = echoValidator{validate: validator.New()}
	e.HTTPErrorHandler = HTTPErrorHandler
}

// HTTPErrorHandler renders errors as {"error": ...} or, for validation
// failures, a map of field errors.
func HTTPErrorHandler(err error, c echo.Context) {
	var (
		code    int
		message any
		herr    *echo.HTTPError
		verrs   validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		code = http.StatusBadRequest
		message = echo.Map{"error": "invalid request", "fields": fields}
	case errors.Is(err, ErrInvalidSubscription):
		code = http.StatusBadRequest
		message = echo.Map{"error": err.Error()}
	case errors.Is(err, ErrNoSubscriptions), errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
		message = echo.Map{"error": err.Error()}
	case errors.As(err, &herr):
		code = herr.Code
		message = herr.Message
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}
	default:
		code = http.StatusInternalServerError
		message = echo.Map{"error": http.StatusText(http.StatusInternalServerError)}
		clog.FromContext(c.Request().Context()).Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, message)
}

// Register mounts the push API on g.
func (s *Service) Register(g *echo.Group) {
	g.GET("/vapid-public-key", s.handlePublicKey)
	g.POST("/subscribe", s.handleSubscribe)
	g.POST("/unsubscribe", s.handleUnsubscribe)
	g.POST("/send", s.handleSend)
	g.GET("/subscriptions", s.handleList)
	g.GET("/subscriptions/:id", s.handleGet)
}

func bindValid(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return err
	}
	return c.Validate(v)
}

func (s *Service) handlePublicKey(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"publicKey": keys.ApplicationServerKey(s.PublicKey())})
}

func (s *Service) handleSubscribe(c echo.Context) error {
	var req subscribeRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request().UserAgent()
	}

	rec, err := s.Subscribe(c.Request().Context(), webpush.Subscription{Endpoint: req.Endpoint, Keys: req.Keys}, req.UserID, req.UserAgent)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"id": rec.ID, "message": "subscribed"})
}

func (s *Service) handleUnsubscribe(c echo.Context) error {
	var req unsubscribeRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	if err := s.Unsubscribe(c.Request().Context(), req.Endpoint); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "unsubscribed"})
}

func (s *Service) handleSend(c echo.Context) error {
	var req Notification
	if err := bindValid(c, &req); err != nil {
		return err
	}
	tally, err := s.Send(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tally)
}

func (s *Service) handleList(c echo.Context) error {
	var limit, offset int
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
		}
		*dst = v
	}
	records, err := s.Subscriptions(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"subscriptions": records, "count": len(records)})
}

func (s *Service) handleGet(c echo.Context) error {
	rec, err := s.Subscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}
