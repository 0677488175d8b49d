package webapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/goccy/go-json"
	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/tracking"
	"nuha.dev/safezone/internal/util"

	"github.com/go-playground/validator/v10"
)

// Dispatcher serves POST /func/{name}. Registered functions take
// (ctx, *Request, *Response) error or (ctx, *Response) error; the caller
// identity is in ctx.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
	roles   []common.Role
}

// has_role: an empty role list admits any authenticated caller.
func has_role(id *common.Identity, roles []common.Role) bool {
	if len(roles) == 0 {
		return true
	}
	return id.Is(roles...)
}

func NewDispatcher(vld *validator.Validate) *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = vld
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		util.JsonError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}
	_func, ok := disp.funcs[funcname]
	if !ok {
		util.JsonError(w, http.StatusNotFound, fmt.Sprintf("function \"%s\" not found", funcname))
		return
	}
	if !has_role(id, _func.roles) {
		util.JsonError(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
		return
	}
	disp.call(funcname, _func, r, w)
}

func (disp *Dispatcher) call(funcname string, _func _function, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	ctx := r.Context()
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil && err != io.EOF {
			util.JsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			util.JsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			disp.log.Error().Err(err).Str("func", funcname).Msg("function failed")
			util.JsonError(w, code, http.StatusText(code))
			return
		}
		disp.log.Debug().Err(err).Str("func", funcname).Int("code", code).Msg("function rejected")
		util.JsonError(w, code, err.Error())
		return
	}
	util.JsonWrite(w, response.Interface())
}

// statusOf maps domain errors to http status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, geofence.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, tracking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNoToken):
		return http.StatusUnauthorized
	case errors.Is(err, geofence.ErrUnknownZone), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (disp *Dispatcher) Add(funcname string, f interface{}, roles ...common.Role) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	t := s.handler.Type()
	if t.Kind() != reflect.Func || t.NumOut() != 1 || t.Out(0) != reflect.TypeOf((*error)(nil)).Elem() {
		panic(fmt.Sprintf("dispatcher: %s must return a single error", funcname))
	}
	if t.NumIn() == 2 {
		s.reqType = nil
		s.resType = t.In(1).Elem()
	} else {
		s.reqType = t.In(1).Elem()
		s.resType = t.In(2).Elem()
	}
	s.roles = roles
	disp.funcs[funcname] = s
}
