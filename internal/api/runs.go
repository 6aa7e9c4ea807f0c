package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/reviewloop/internal/store"
)

const defaultRunListLimit = 50

func (s *Server) listRuns(c echo.Context) error {
	limit := defaultRunListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	runs, err := s.runs.ListRecent(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list runs failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.runs.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", c.Param("id")).Msg("get run failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "get run failed"})
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listRules(c echo.Context) error {
	repo := c.QueryParam("repo")
	if repo == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "repo query parameter is required"})
	}

	rules, err := s.rules.ListForRepo(c.Request().Context(), repo)
	if err != nil {
		s.logger.Error().Err(err).Str("repo", repo).Msg("list rules failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "list rules failed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}
