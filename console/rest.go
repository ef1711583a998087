package console

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/unrolled/render"

	crawler "github.com/andrewkchan/crawler"
)

//
// IMPLEMENTATION NOTE: Few notes about the approach to REST used in this file:
//  1. Always exchange JSON
//  2. Any successful rest request returns HTTP status code 200.
//  3. Any error is flagged by HTTP status != 200, with a json encoded error
//     message carrying a machine-readable tag.
//

// Render writes all JSON responses.
var Render = render.New(render.Options{IndentJSON: true})

type restError struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func buildError(tag string, format string, args ...interface{}) *restError {
	return &restError{Tag: tag, Message: fmt.Sprintf(format, args...)}
}

func replyServerError(w http.ResponseWriter, err error) {
	log := crawler.ComponentLog("console")
	log.Error().Err(err).Msg("console request failed")
	Render.JSON(w, http.StatusInternalServerError, buildError("server-error", "%v", err))
}

// NewRouter builds the console's route table.
func NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rest/status", StatusController).Methods("GET")
	router.HandleFunc("/rest/add", AddController).Methods("POST")
	router.HandleFunc("/rest/domain/{domain}", DomainController).Methods("GET")
	router.HandleFunc("/rest/visited", VisitedController).Methods("GET")
	return router
}

// Run serves the console until the listener fails. Call from a goroutine.
func Run() error {
	if DS == nil {
		return fmt.Errorf("console DS is not set")
	}
	addr := fmt.Sprintf(":%d", crawler.Config.Console.Port)
	log := crawler.ComponentLog("console")
	log.Info().Str("addr", addr).Msg("console listening")
	return http.ListenAndServe(addr, NewRouter())
}

// StatusController serves the crawl-wide status snapshot.
func StatusController(w http.ResponseWriter, req *http.Request) {
	status, err := DS.Status()
	if err != nil {
		replyServerError(w, err)
		return
	}
	Render.JSON(w, http.StatusOK, status)
}

type restAddRequest struct {
	Links []struct {
		URL string `json:"url"`
	} `json:"links"`
}

type restAddResponse struct {
	Admitted int `json:"admitted"`
	Dropped  int `json:"dropped"`
}

// AddController admits a batch of URLs into the crawl.
func AddController(w http.ResponseWriter, req *http.Request) {
	var adds restAddRequest
	if err := json.NewDecoder(req.Body).Decode(&adds); err != nil {
		Render.JSON(w, http.StatusBadRequest, buildError("bad-json-decode", "%v", err))
		return
	}
	if len(adds.Links) == 0 {
		Render.JSON(w, http.StatusBadRequest, buildError("empty-links", "No links provided to add"))
		return
	}

	var links []string
	for _, l := range adds.Links {
		if l.URL == "" {
			Render.JSON(w, http.StatusBadRequest, buildError("bad-link-element", "No URL provided for link"))
			return
		}
		links = append(links, l.URL)
	}

	admitted, dropped, err := DS.AddLinks(links)
	if err != nil {
		replyServerError(w, err)
		return
	}
	Render.JSON(w, http.StatusOK, &restAddResponse{Admitted: admitted, Dropped: dropped})
}

// DomainController serves one domain's crawl state.
func DomainController(w http.ResponseWriter, req *http.Request) {
	domain, err := url.QueryUnescape(mux.Vars(req)["domain"])
	if err != nil {
		Render.JSON(w, http.StatusBadRequest, buildError("bad-domain", "%v", err))
		return
	}
	info, err := DS.FindDomain(domain)
	if err != nil {
		replyServerError(w, err)
		return
	}
	if info == nil {
		Render.JSON(w, http.StatusNotFound, buildError("domain-not-found", "domain %v is unknown to the crawl", domain))
		return
	}
	Render.JSON(w, http.StatusOK, info)
}

// VisitedController looks up the visited record for ?url=.
func VisitedController(w http.ResponseWriter, req *http.Request) {
	target := req.URL.Query().Get("url")
	if target == "" {
		Render.JSON(w, http.StatusBadRequest, buildError("missing-url", "url query parameter is required"))
		return
	}
	record, err := DS.FindVisited(target)
	if err != nil {
		replyServerError(w, err)
		return
	}
	if record == nil {
		Render.JSON(w, http.StatusNotFound, buildError("not-crawled", "url has not been crawled"))
		return
	}
	Render.JSON(w, http.StatusOK, record)
}
