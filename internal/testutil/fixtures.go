package testutil

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

// CreateTestAccount inserts a verified LOCAL account and removes it when the test ends.
func (tdb *TestDB) CreateTestAccount(ctx context.Context, email string) *models.Account {
	tdb.t.Helper()

	hash := "$2a$10$testhashtesthashtesthashtesthashtesthashtesthashtest"
	account := &models.Account{
		ID:            uuid.New(),
		Email:         email,
		Username:      GenerateTestUsername(),
		PasswordHash:  &hash,
		Provider:      models.AuthProviderLocal,
		Role:          models.RoleUser,
		Active:        true,
		EmailVerified: true,
	}

	_, err := tdb.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, email, username, password_hash, auth_provider, role, active, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, account.ID, account.Email, account.Username, account.PasswordHash, account.Provider,
		account.Role, account.Active, account.EmailVerified)
	if err != nil {
		tdb.t.Fatalf("Failed to create test account: %v", err)
	}
	tdb.t.Cleanup(func() { tdb.DeleteTestAccount(context.Background(), account.ID) })

	return account
}

// DeleteTestAccount removes an account; dependent rows cascade.
func (tdb *TestDB) DeleteTestAccount(ctx context.Context, accountID uuid.UUID) {
	tdb.t.Helper()
	_, _ = tdb.DB.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", accountID)
}

// GenerateTestEmail generates a unique test email
func GenerateTestEmail() string {
	return fmt.Sprintf("test-%s@example.com", uuid.New().String()[:8])
}

// GenerateTestUsername generates a unique username within the 20 char limit
func GenerateTestUsername() string {
	return "t_" + uuid.New().String()[:12]
}
