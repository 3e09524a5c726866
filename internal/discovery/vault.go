package discovery

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	appcrypto "github.com/aranea-isms/is22/internal/crypto"
)

// CredentialVault encrypts a discovered device's bound username/password
// at rest using per-device envelope encryption, reusing the teacher's
// own AES-GCM-plus-wrapped-DEK scheme (internal/crypto.Keyring) rather
// than storing the credential-trial winner in plaintext.
type CredentialVault struct {
	keyring *appcrypto.Keyring
}

func NewCredentialVault(keyring *appcrypto.Keyring) *CredentialVault {
	return &CredentialVault{keyring: keyring}
}

// sealed is the JSON blob packed into BoundPassword: the wrapped DEK
// plus the AES-GCM envelope around "username:password".
type sealed struct {
	MasterKID     string `json:"kid"`
	DEKNonce      []byte `json:"dek_nonce"`
	DEKCiphertext []byte `json:"dek_ct"`
	DEKTag        []byte `json:"dek_tag"`
	DataNonce     []byte `json:"data_nonce"`
	DataCiphertext []byte `json:"data_ct"`
	DataTag       []byte `json:"data_tag"`
}

// Seal encrypts username:password for storage, keyed to the device id
// as additional authenticated data so a sealed blob can't be replayed
// against a different device row.
func (v *CredentialVault) Seal(deviceID, username, password string) (sql.NullString, error) {
	dek, err := appcrypto.GenerateDEK()
	if err != nil {
		return sql.NullString{}, err
	}
	aad := []byte("discovered_device:" + deviceID)

	dataNonce, dataCT, dataTag, err := appcrypto.EncryptGCM(dek, []byte(username+":"+password), aad)
	if err != nil {
		return sql.NullString{}, err
	}
	kid, dekNonce, dekCT, dekTag, err := v.keyring.WrapDEK(dek, aad)
	if err != nil {
		return sql.NullString{}, err
	}

	blob, err := json.Marshal(sealed{
		MasterKID: kid, DEKNonce: dekNonce, DEKCiphertext: dekCT, DEKTag: dekTag,
		DataNonce: dataNonce, DataCiphertext: dataCT, DataTag: dataTag,
	})
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: base64.StdEncoding.EncodeToString(blob), Valid: true}, nil
}

// Unseal reverses Seal, returning the plaintext username and password.
func (v *CredentialVault) Unseal(deviceID string, blob sql.NullString) (username, password string, err error) {
	if !blob.Valid || blob.String == "" {
		return "", "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(blob.String)
	if err != nil {
		return "", "", err
	}
	var s sealed
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", "", err
	}
	aad := []byte("discovered_device:" + deviceID)
	dek, err := v.keyring.UnwrapDEK(s.MasterKID, s.DEKNonce, s.DEKCiphertext, s.DEKTag, aad)
	if err != nil {
		return "", "", err
	}
	plain, err := appcrypto.DecryptGCM(dek, s.DataNonce, s.DataCiphertext, s.DataTag, aad)
	if err != nil {
		return "", "", err
	}
	parts := splitOnce(string(plain), ':')
	if len(parts) != 2 {
		return "", "", fmt.Errorf("discovery: malformed sealed credential payload")
	}
	return parts[0], parts[1], nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
