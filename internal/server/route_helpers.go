package server

import "net/http"

// methodHandlers maps HTTP methods to their handlers for one route
type methodHandlers map[string]http.HandlerFunc

// routeByMethod dispatches on the request method, rejecting anything unmapped
func routeByMethod(w http.ResponseWriter, r *http.Request, routes methodHandlers) {
	handler, ok := routes[r.Method]
	if !ok {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler(w, r)
}

// RouteResourceCollection handles the list + create pattern:
// GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create http.HandlerFunc) {
	routes := methodHandlers{}
	if list != nil {
		routes[http.MethodGet] = list
	}
	if create != nil {
		routes[http.MethodPost] = create
	}
	routeByMethod(w, r, routes)
}

// RouteResourceItem handles the get + update + delete pattern:
// GET -> get, PUT -> update, DELETE -> delete
func RouteResourceItem(w http.ResponseWriter, r *http.Request, get, update, remove http.HandlerFunc) {
	routes := methodHandlers{}
	if get != nil {
		routes[http.MethodGet] = get
	}
	if update != nil {
		routes[http.MethodPut] = update
	}
	if remove != nil {
		routes[http.MethodDelete] = remove
	}
	routeByMethod(w, r, routes)
}
