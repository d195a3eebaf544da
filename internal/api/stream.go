package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Stream runs op on a worker goroutine with a fresh controller interface
// and context, and writes the context's events to the response until the
// sentinel. The response is newline-delimited JSON, or a plaintext
// rendering when the client asks for text/plain.
//
// A recoverable (deploy) error becomes a final error event and the
// transaction still commits: earlier services applied in the same request
// stay applied. Any other error also becomes a final error event, but the
// transaction is aborted.
func (s *Server) Stream(c echo.Context, op func(ctx *controller.Context) error) error {
	cintf, err := s.ctrl.Interface()
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			map[string]string{"error": err.Error()})
	}

	ctx := controller.NewContext()
	ctx.Cintf = cintf

	go func() {
		defer cintf.Close()

		err := op(ctx)
		switch {
		case err == nil:
			if err := cintf.Commit(); err != nil {
				log.WithError(err).Error("Commit failed")
				ctx.Fatal("%v", err)
				return
			}
			ctx.Done()
		case controller.IsRecoverable(err):
			log.WithError(err).Warn("Deploy failed")
			ctx.Fatal("%v", err)
			if err := cintf.Commit(); err != nil {
				log.WithError(err).Error("Commit after deploy error failed")
			}
		default:
			log.WithError(err).Error("Unexpected error in request worker")
			ctx.Fatal("%v", err)
			cintf.Abort()
		}
	}()

	plaintext := strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/plain")
	return s.drain(c, ctx, plaintext)
}

func (s *Server) drain(c echo.Context, ctx *controller.Context, plaintext bool) error {
	resp := c.Response()
	if plaintext {
		resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	} else {
		resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	resp.WriteHeader(http.StatusOK)

	for ev := range ctx.Events() {
		if ev.Kind == models.EventDone {
			break
		}
		if err := writeEvent(resp, ev, plaintext); err != nil {
			// Client went away; the worker still runs to completion.
			log.WithError(err).Debug("Event stream client disconnected")
			continue
		}
		resp.Flush()
	}
	return nil
}

func writeEvent(resp *echo.Response, ev models.Event, plaintext bool) error {
	if !plaintext {
		raw, err := json.Marshal(ev.Wire())
		if err != nil {
			return err
		}
		_, err = resp.Write(append(raw, '\n'))
		return err
	}

	var line string
	switch ev.Kind {
	case models.EventJob:
		line = fmt.Sprintf("-----> %s\n", ev.Message)
	case models.EventLog:
		line = fmt.Sprintf("       %s\n", ev.Message)
	case models.EventError:
		line = fmt.Sprintf("       Error: %s\n", ev.Message)
	default:
		raw, err := json.Marshal(ev.Wire())
		if err != nil {
			return err
		}
		line = string(raw) + "\n"
	}
	_, err := resp.Write([]byte(line))
	return err
}
