package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	values  map[string]string
	getErr  error
	names   []string
	decrypt []bool
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.names = append(f.names, *in.Name)
	f.decrypt = append(f.decrypt, in.WithDecryption != nil && *in.WithDecryption)
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "/gw")
	require.ErrorContains(t, err, "must not be nil")

	_, err = New(&fakeAPI{}, " / ")
	require.ErrorContains(t, err, "prefix is required")
}

func TestGetParameter_DecryptsAndReturnsValue(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/gw/jwt-secret": "s3cret"}}
	client, err := New(api, "/gw/")
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /gw/jwt-secret ")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	require.Equal(t, []bool{true}, api.decrypt)
}

func TestGetParameter_NotFound(t *testing.T) {
	client, err := New(&fakeAPI{}, "/gw")
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "/gw/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &missingValueAPI{}
	client, err := New(api, "/gw")
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "/gw/p")
	require.ErrorContains(t, err, "missing value")
}

type missingValueAPI struct{}

func (missingValueAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
}

func TestGetParameter_APIError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")}, "/gw")
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "/gw/p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_Guards(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{}, "/gw")
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestToken(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/gw/anthropic-token": `{"token":" sk-ant-123 "}`,
		"/gw/openai-token":    `not json`,
		"/gw/google-token":    `{"token":""}`,
	}}
	client, err := New(api, "/gw")
	require.NoError(t, err)

	tok, err := client.Token(context.Background(), "anthropic")
	require.NoError(t, err)
	require.Equal(t, "sk-ant-123", tok)
	require.Equal(t, "/gw/anthropic-token", api.names[0])

	_, err = client.Token(context.Background(), "openai")
	require.ErrorContains(t, err, "decode openai token")

	_, err = client.Token(context.Background(), "google")
	require.ErrorContains(t, err, "empty")

	_, err = client.Token(context.Background(), "ollama")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.Token(context.Background(), "")
	require.ErrorContains(t, err, "key is required")
}
