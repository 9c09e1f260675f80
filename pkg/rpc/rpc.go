package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *Error) Error() string {
	if e.Data == "" {
		return e.Message
	}
	return e.Message + ": " + e.Data
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeInvalidRequest    = -32600
	ErrorMessageInvalidRequest = "Invalid Request"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"

	ErrorCodeNotFound         = -32004
	ErrorMessageNotFound      = "Not found"
	ErrorCodeStateConflict    = -32009
	ErrorMessageStateConflict = "State conflict"
	ErrorCodeExpired          = -32010
	ErrorMessageExpired       = "Expired"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toError maps a coordinator error onto a JSON-RPC error and HTTP status.
func toError(err error) (int, *Error) {
	switch {
	case errors.Is(err, swap.ErrExpired), errors.Is(err, swap.ErrNotExpired):
		return http.StatusGone, NewError(ErrorCodeExpired, ErrorMessageExpired, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, NewError(ErrorCodeNotFound, ErrorMessageNotFound, err.Error())
	case errors.Is(err, swap.ErrStateConflict),
		errors.Is(err, auction.ErrAlreadyActive),
		errors.Is(err, auction.ErrNoActiveAuction),
		errors.Is(err, auction.ErrInsufficientRemaining):
		return http.StatusConflict, NewError(ErrorCodeStateConflict, ErrorMessageStateConflict, err.Error())
	case errors.Is(err, coordinator.ErrInvalidRequest),
		errors.Is(err, auction.ErrOutOfRange),
		errors.Is(err, auction.ErrBelowMinimumGranularity),
		errors.Is(err, auction.ErrInvalidResolver),
		errors.Is(err, auction.ErrLimitNotReached),
		errors.Is(err, chain.ErrInvalidPreimage),
		errors.As(err, new(*json.SyntaxError)),
		errors.As(err, new(*json.UnmarshalTypeError)):
		return http.StatusBadRequest, NewError(ErrorCodeInvalidParams, ErrorMessageInvalidParams, err.Error())
	default:
		return http.StatusInternalServerError, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())
	}
}

type Options struct {
	Addr      string
	Username  string
	Password  string
	JWTSecret string
	TokenTTL  time.Duration
}

type Server interface {
	Handler() http.Handler

	// Run serves until ctx is cancelled and then shuts the server down.
	Run(ctx context.Context) error
}

type server struct {
	coordinator coordinator.Coordinator
	options     Options
	logger      *zap.Logger
	authsha     [sha256.Size]byte

	operator map[string]Method
	resolver map[string]Method

	mu     sync.Mutex
	nonces map[string]time.Time
	router *gin.Engine
}

func NewServer(coord coordinator.Coordinator, options Options, logger *zap.Logger) (Server, error) {
	if options.Username == "" || options.Password == "" {
		return nil, errors.New("rpc username and password must be specified")
	}
	if options.JWTSecret == "" {
		return nil, errors.New("rpc jwt secret must be specified")
	}
	if options.TokenTTL <= 0 {
		options.TokenTTL = 24 * time.Hour
	}

	login := options.Username + ":" + options.Password
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(login))
	s := &server{
		coordinator: coord,
		options:     options,
		logger:      logger,
		authsha:     sha256.Sum256([]byte(auth)),
		operator:    map[string]Method{},
		resolver:    map[string]Method{},
		nonces:      map[string]time.Time{},
	}
	for _, method := range OperatorMethods() {
		s.operator[method.Name()] = method
	}
	for _, method := range ResolverMethods() {
		s.resolver[method.Name()] = method
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	router.GET("/nonce", s.nonce)
	router.POST("/verify", s.verify)

	operator := router.Group("/")
	operator.Use(s.authenticateOperator)
	operator.POST("/", s.handle(s.operator))

	resolver := router.Group("/resolver")
	resolver.Use(s.authenticateResolver)
	resolver.POST("", s.handle(s.resolver))

	s.router = router
	return s, nil
}

func (s *server) Handler() http.Handler {
	return s.router
}

func (s *server) Run(ctx context.Context) error {
	service := &http.Server{
		Addr:    s.options.Addr,
		Handler: s.router,
	}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("rpc server listening", zap.String("addr", s.options.Addr))
		if err := service.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return service.Shutdown(shutdown)
}

func (s *server) handle(methods map[string]Method) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		req := Request{}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
			return
		}
		if req.Version != "2.0" || req.Method == "" {
			ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeInvalidRequest, ErrorMessageInvalidRequest, "")))
			return
		}

		method, ok := methods[req.Method]
		if !ok {
			ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, req.Method)))
			return
		}

		cfg := CoreConfig{
			Coordinator: s.coordinator,
			Logger:      s.logger,
			Resolver:    ctx.GetString("resolver"),
		}
		result, err := method.Query(ctx.Request.Context(), cfg, req.Params)
		if err != nil {
			s.logger.Debug("rpc call failed", zap.String("method", req.Method), zap.Error(err))
			status, rpcErr := toError(err)
			ctx.JSON(status, NewResponse(req.ID, nil, rpcErr))
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
			return
		}
		ctx.JSON(http.StatusOK, NewResponse(req.ID, data, nil))
	}
}

func (s *server) authenticateOperator(ctx *gin.Context) {
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) <= 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	if subtle.ConstantTimeCompare(authsha[:], s.authsha[:]) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	ctx.Next()
}

// resolverFor returns the resolver whose lock chain address signed in.
func (s *server) resolverFor(wallet string) (string, bool) {
	for _, profile := range s.coordinator.Resolvers() {
		if strings.EqualFold(profile.LockAddress, wallet) {
			return profile.ID, true
		}
	}
	return "", false
}
