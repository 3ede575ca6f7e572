package main

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/ruteri/managed-identity-credentials/bindingcert"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/identity"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCarriesPEMCertificate(t *testing.T) {
	key, err := cryptoutils.GenerateRSAKey()
	require.NoError(t, err)
	cert, err := bindingcert.NewFactory(bindingcert.FactoryOptions{}).GetOrCreate(context.Background(),
		&interfaces.KeyMaterial{Key: key, Kind: interfaces.KeyKindSoftware, ContainerName: "test"},
		common.DiscardLogger())
	require.NoError(t, err)

	res := &identity.Result{
		Response: &interfaces.CredentialResponse{
			ClientID:         "client",
			Credential:       "blob",
			ExpiresOn:        time.Now().Add(time.Hour).Unix(),
			RegionalTokenURL: "https://login.example",
			TenantID:         "tenant",
		},
		Source:        interfaces.TokenSourceIdentityProvider,
		Certificate:   cert,
		KeyKind:       interfaces.KeyKindSoftware,
		CorrelationID: "corr",
	}

	raw, err := json.Marshal(newOutput(res))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "blob", decoded["credential"])
	assert.Equal(t, "Software", decoded["key_kind"])
	assert.Equal(t, cert.Thumbprint, decoded["certificate_thumbprint"])
	assert.Equal(t, "corr", decoded["correlation_id"])

	block, _ := pem.Decode([]byte(decoded["certificate"].(string)))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
	assert.Equal(t, cert.Raw, block.Bytes)
}
