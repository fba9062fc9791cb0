package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/slug"
	"github.com/devzarr/devzarr/types"
)

const (
	activeRoomsWindow = 30 * time.Minute
	topProjectsWindow = 7 * 24 * time.Hour
	trendingLimit     = 20
	defaultPostLimit  = 50
)

// RefreshTrending recomputes the feed snapshot. The server main schedules
// this on a cron; the handlers only ever read the cached result.
func (s *Server) RefreshTrending() {
	rooms, err := s.persister.ActiveRooms(activeRoomsWindow, trendingLimit)
	if err != nil {
		globals.AppLogger.Error("could not compute active rooms", "error", err)
	}
	projects, err := s.persister.TopProjects(topProjectsWindow, trendingLimit)
	if err != nil {
		globals.AppLogger.Error("could not compute top projects", "error", err)
	}
	s.trendingLock.Lock()
	if rooms != nil {
		s.activeRooms = rooms
	}
	if projects != nil {
		s.topProjects = projects
	}
	s.trendingLock.Unlock()
}

func (s *Server) activeRoomsHandler(w http.ResponseWriter, r *http.Request) {
	s.trendingLock.RLock()
	rooms := s.activeRooms
	s.trendingLock.RUnlock()
	if rooms == nil {
		rooms = []*types.RoomActivity{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) topProjectsHandler(w http.ResponseWriter, r *http.Request) {
	s.trendingLock.RLock()
	projects := s.topProjects
	s.trendingLock.RUnlock()
	if projects == nil {
		projects = []*types.ProjectActivity{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) followingHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projects, err := s.persister.GetFollowedProjects(user.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list followed projects")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Link    string `json:"link"`
}

func (s *Server) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "invalid request body")
		return
	}
	projectSlug := slug.Make(req.Name)
	if projectSlug == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "name must contain at least one letter or digit")
		return
	}
	project := types.Project{
		Id:      uuid.NewString(),
		OwnerId: user.Id,
		Name:    req.Name,
		Slug:    projectSlug,
		Summary: req.Summary,
		Link:    req.Link,
		Tags:    make(types.JSONStringMap),
	}
	if err := s.persister.StoreProject(project); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			writeError(w, http.StatusConflict, types.ErrCodeValidation, "a project with this name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not create project")
		return
	}
	writeJSON(w, http.StatusCreated, &project)
}

func (s *Server) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	projects, err := s.persister.GetProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list projects")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type createPostRequest struct {
	Body string `json:"body"`
}

func (s *Server) createPostHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	if project.OwnerId != user.Id {
		writeError(w, http.StatusForbidden, types.ErrCodeForbidden, "only the project owner may post updates")
		return
	}
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeValidation, "post body is required")
		return
	}
	post := types.Post{
		Id:        uuid.NewString(),
		ProjectId: project.Id,
		AuthorId:  user.Id,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persister.StorePost(post); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not store post")
		return
	}
	writeJSON(w, http.StatusCreated, &post)
}

func (s *Server) listPostsHandler(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	posts, err := s.persister.GetPosts(project.Id, defaultPostLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not list posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) followHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	follow := types.Follow{ProjectId: project.Id, UserId: user.Id, CreatedAt: time.Now().UTC()}
	if err := s.persister.StoreFollow(follow); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not follow project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": true})
}

func (s *Server) unfollowHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	follow := types.Follow{ProjectId: project.Id, UserId: user.Id}
	if err := s.persister.DeleteFollow(follow); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not unfollow project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": false})
}

func (s *Server) projectBySlug(w http.ResponseWriter, r *http.Request) (*types.Project, bool) {
	project, err := s.persister.GetProjectBySlug(mux.Vars(r)["slug"])
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.ErrCodeValidation, "no such project")
		} else {
			writeError(w, http.StatusInternalServerError, types.ErrCodeBackend, "could not load project")
		}
		return nil, false
	}
	return project, true
}
