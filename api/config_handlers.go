package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"vigil/core"
	"vigil/detect"

	"github.com/gorilla/mux"
)

// definitionKeys are the rule body keys that describe matching logic.
var definitionKeys = []string{"type", "field", "operator", "value", "case_sensitive", "conditions", "group_operator"}

// decodeJSON reads the body into v, reporting malformed input as a
// validation error. It returns false when a response has been written.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) ([]byte, bool) {
	body, err := a.readBody(w, r)
	if err != nil {
		a.badRequest(w, "body", err.Error())
		return nil, false
	}
	if err := json.Unmarshal(body, v); err != nil {
		a.badRequest(w, "body", "invalid JSON: "+err.Error())
		return nil, false
	}
	return body, true
}

// pathID reconciles the path id with an id in the body. The path wins; a
// conflicting body id is rejected.
func (a *API) pathID(w http.ResponseWriter, r *http.Request, bodyID *string) bool {
	id := mux.Vars(r)["id"]
	if *bodyID != "" && *bodyID != id {
		a.badRequest(w, "id", "does not match the path")
		return false
	}
	*bodyID = id
	return true
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.configs.ListRules(r.Context())
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if rules == nil {
		rules = []core.Rule{}
	}
	a.respondOK(w, http.StatusOK, rules)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.configs.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, rule)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if _, ok := a.decodeJSON(w, r, &rule); !ok {
		return
	}
	created, err := a.configs.CreateRule(r.Context(), &rule)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusCreated, created)
}

// updateRule changes rule metadata. A body without any definition keys
// leaves the definition untouched; a body with them must repeat the stored
// definition exactly.
func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	body, ok := a.decodeJSON(w, r, &rule)
	if !ok {
		return
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		a.badRequest(w, "body", "expected an object")
		return
	}
	hasDefinition := false
	for _, k := range definitionKeys {
		if _, present := keys[k]; present {
			hasDefinition = true
			break
		}
	}
	if !hasDefinition {
		rule.Definition = nil
	}
	if !a.pathID(w, r, &rule.ID) {
		return
	}

	updated, err := a.configs.UpdateRule(r.Context(), &rule)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, updated)
}

// deleteRule removes a rule. cascade=true also strips it from policies.
func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		var err error
		if cascade, err = strconv.ParseBool(raw); err != nil {
			a.badRequest(w, "cascade", "must be a boolean")
			return
		}
	}
	if err := a.configs.DeleteRule(r.Context(), mux.Vars(r)["id"], cascade); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, nil)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.configs.ListPolicies(r.Context())
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if policies == nil {
		policies = []core.Policy{}
	}
	a.respondOK(w, http.StatusOK, policies)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := a.configs.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, policy)
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	var policy core.Policy
	if _, ok := a.decodeJSON(w, r, &policy); !ok {
		return
	}
	created, err := a.configs.CreatePolicy(r.Context(), &policy)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusCreated, created)
}

func (a *API) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy core.Policy
	if _, ok := a.decodeJSON(w, r, &policy); !ok {
		return
	}
	if !a.pathID(w, r, &policy.ID) {
		return
	}
	updated, err := a.configs.UpdatePolicy(r.Context(), &policy)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, updated)
}

func (a *API) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.configs.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, nil)
}

func (a *API) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := a.configs.ListProviders(r.Context())
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if providers == nil {
		providers = []core.Provider{}
	}
	a.respondOK(w, http.StatusOK, providers)
}

func (a *API) getProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := a.configs.GetProvider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, provider)
}

func (a *API) createProvider(w http.ResponseWriter, r *http.Request) {
	var provider core.Provider
	if _, ok := a.decodeJSON(w, r, &provider); !ok {
		return
	}
	created, err := a.configs.CreateProvider(r.Context(), &provider)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusCreated, created)
}

func (a *API) updateProvider(w http.ResponseWriter, r *http.Request) {
	var provider core.Provider
	if _, ok := a.decodeJSON(w, r, &provider); !ok {
		return
	}
	if !a.pathID(w, r, &provider.ID) {
		return
	}
	updated, err := a.configs.UpdateProvider(r.Context(), &provider)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, updated)
}

func (a *API) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := a.configs.DeleteProvider(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, nil)
}

// importSeed upserts the providers, rules and policies of a seed document.
// YAML is accepted with a yaml content type, JSON otherwise.
func (a *API) importSeed(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		a.badRequest(w, "body", err.Error())
		return
	}
	isYAML := false
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			isYAML = strings.Contains(mt, "yaml")
		}
	}
	seed, err := detect.ParseSeed(body, isYAML)
	if err != nil {
		a.respondServiceError(w, r, asValidation(err))
		return
	}
	if err := a.configs.Import(r.Context(), seed); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	a.respondOK(w, http.StatusOK, map[string]int{
		"providers": len(seed.Providers),
		"rules":     len(seed.Rules),
		"policies":  len(seed.Policies),
	})
}

// asValidation reports a seed parse failure as a validation error unless
// it already is one.
func asValidation(err error) error {
	if errors.Is(err, core.ErrValidation) {
		return err
	}
	ve := core.NewValidationError("seed", "")
	ve.Add("body", err.Error())
	return ve
}
