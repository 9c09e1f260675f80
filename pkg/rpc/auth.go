package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/spruceid/siwe-go"
	"go.uber.org/zap"
)

const nonceTTL = 10 * time.Minute

type VerifySiwe struct {
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type Claims struct {
	UserWallet string `json:"userWallet"`
	jwt.StandardClaims
}

func (s *server) nonce(ctx *gin.Context) {
	nonce := siwe.GenerateNonce()

	s.mu.Lock()
	now := time.Now()
	for n, issued := range s.nonces {
		if now.Sub(issued) > nonceTTL {
			delete(s.nonces, n)
		}
	}
	s.nonces[nonce] = now
	s.mu.Unlock()

	ctx.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

// useNonce consumes a nonce issued by this server.
func (s *server) useNonce(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.nonces[nonce]
	if !ok {
		return false
	}
	delete(s.nonces, nonce)
	return time.Since(issued) <= nonceTTL
}

func (s *server) verify(ctx *gin.Context) {
	req := VerifySiwe{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wallet, err := s.verifyMessage(req)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if _, ok := s.resolverFor(wallet.Hex()); !ok {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "wallet is not a registered resolver"})
		return
	}

	claims := &Claims{
		UserWallet: strings.ToLower(wallet.Hex()),
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(s.options.TokenTTL).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.options.JWTSecret))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("resolver signed in", zap.String("wallet", claims.UserWallet))
	ctx.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *server) verifyMessage(req VerifySiwe) (common.Address, error) {
	message, err := siwe.ParseMessage(req.Message)
	if err != nil {
		return common.Address{}, fmt.Errorf("error parsing message: %w", err)
	}
	valid, err := message.ValidNow()
	if err != nil {
		return common.Address{}, fmt.Errorf("error validating message: %w", err)
	}
	if !valid {
		return common.Address{}, errors.New("message expired")
	}
	if !s.useNonce(message.GetNonce()) {
		return common.Address{}, errors.New("unknown nonce")
	}

	addr, err := recoverSigner(message.String(), req.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("error verifying message: %w", err)
	}
	if addr != message.GetAddress() {
		return common.Address{}, errors.New("signer does not match message address")
	}
	return addr, nil
}

// recoverSigner returns the address behind an EIP-191 personal signature.
func recoverSigner(msg string, signature string) (common.Address, error) {
	sigBytes, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sigBytes))
	}
	if sigBytes[64] != 27 && sigBytes[64] != 28 {
		return common.Address{}, errors.New("invalid signature recovery byte")
	}
	sigBytes[64] -= 27
	pubkey, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sigBytes)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

func (s *server) authenticateResolver(ctx *gin.Context) {
	tokenString := strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer ")
	if tokenString == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
		return
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid signing method")
		}
		return []byte(s.options.JWTSecret), nil
	})
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
		return
	}
	wallet, ok := claims["userWallet"].(string)
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
		return
	}
	resolverID, ok := s.resolverFor(wallet)
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "wallet is not a registered resolver"})
		return
	}
	ctx.Set("userWallet", strings.ToLower(wallet))
	ctx.Set("resolver", resolverID)
	ctx.Next()
}
