package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/billvault/backend/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupAuthViper() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestAuthService_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthViper()

	service := NewAuthService(db, nil, nil)

	t.Run("successful registration opens an unverified account", func(t *testing.T) {
		req := RegisterRequest{
			Email:       "test@example.com",
			Password:    "password123",
			FirstName:   "John",
			LastName:    "Doe",
			PhoneNumber: "+2348012345678",
		}

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WithArgs(req.Email, sqlmock.AnyArg(), req.FirstName, req.LastName, sqlmock.AnyArg(), req.PhoneNumber).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(sqlmock.AnyArg(), 1, sqlmock.AnyArg(), models.KYCTierUnverified).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, req.Email, response.User.Email)
		assert.Equal(t, models.KYCTierUnverified, response.User.KYCTier)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields fail validation", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBufferString(`{"email":"x@y.com"}`))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthViper()

	service := NewAuthService(db, nil, nil)

	t.Run("successful login", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, account_id FROM users").
			WithArgs("+2348012345678").
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name", "password", "account_id"}).
				AddRow(1, "test@example.com", "John", "Doe", hashedPassword, "account1"))
		mock.ExpectExec("UPDATE users SET last_login = NOW\\(\\)").
			WithArgs(1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		body := `{"phoneNumber":"+2348012345678","password":"password123"}`
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, account_id FROM users").
			WithArgs("+2348012345678").
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name", "password", "account_id"}).
				AddRow(1, "test@example.com", "John", "Doe", hashedPassword, "account1"))

		body := `{"phoneNumber":"+2348012345678","password":"wrongpassword"}`
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown phone number", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, email, first_name, last_name, password, account_id FROM users").
			WithArgs("+2340000000000").
			WillReturnError(sql.ErrNoRows)

		body := `{"phoneNumber":"+2340000000000","password":"password123"}`
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPasswordHashing(t *testing.T) {
	setupAuthViper()

	t.Run("hash and verify roundtrip", func(t *testing.T) {
		hash, err := hashPassword("s3cret-pin")
		assert.NoError(t, err)
		assert.True(t, verifyPassword("s3cret-pin", hash))
		assert.False(t, verifyPassword("wrong", hash))
	})

	t.Run("same input produces different hashes", func(t *testing.T) {
		h1, _ := hashPassword("1234")
		h2, _ := hashPassword("1234")
		assert.NotEqual(t, h1, h2)
	})

	t.Run("malformed hash never verifies", func(t *testing.T) {
		assert.False(t, verifyPassword("1234", "not-a-hash"))
		assert.False(t, verifyPassword("1234", "a$b$c"))
	})
}

func TestGenerateOTP(t *testing.T) {
	otp := generateOTP()
	assert.Len(t, otp, 8)
	for _, c := range otp {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestGenerateAccountNumber(t *testing.T) {
	n := generateAccountNumber()
	assert.Len(t, n, 10)
	for _, c := range n {
		assert.True(t, c >= '0' && c <= '9')
	}
}
