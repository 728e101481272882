package services

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lumiframe/api/internal/platform/textutil"
)

// ShippingFeeRate prices a destination as a base fee plus an optional amount per print.
type ShippingFeeRate struct {
	Base    int64 `yaml:"base"`
	PerItem int64 `yaml:"perItem"`
}

func (r ShippingFeeRate) quote(items int) int64 {
	if items <= 1 {
		return r.Base
	}
	return r.Base + r.PerItem*int64(items-1)
}

// ShippingFeePolicy is the server-side fee table. Fees are minor units of Currency.
type ShippingFeePolicy struct {
	Currency  string                     `yaml:"currency"`
	Default   ShippingFeeRate            `yaml:"default"`
	Countries map[string]ShippingFeeRate `yaml:"countries"`
}

// NewFlatShippingFeePolicy charges the same fee for every destination.
func NewFlatShippingFeePolicy(currency string, fee int64) (*ShippingFeePolicy, error) {
	policy := &ShippingFeePolicy{
		Currency: currency,
		Default:  ShippingFeeRate{Base: fee},
	}
	if err := policy.normalise(); err != nil {
		return nil, err
	}
	return policy, nil
}

// LoadShippingFeePolicyFile reads a YAML fee table from path.
func LoadShippingFeePolicyFile(path string) (*ShippingFeePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shipping fee policy: read %s: %w", path, err)
	}
	return LoadShippingFeePolicy(bytes.NewReader(raw))
}

// LoadShippingFeePolicy decodes a YAML fee table. Unknown keys are rejected.
func LoadShippingFeePolicy(r io.Reader) (*ShippingFeePolicy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var policy ShippingFeePolicy
	if err := dec.Decode(&policy); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("shipping fee policy: document is empty")
		}
		return nil, fmt.Errorf("shipping fee policy: decode: %w", err)
	}
	if err := policy.normalise(); err != nil {
		return nil, err
	}
	return &policy, nil
}

func (p *ShippingFeePolicy) normalise() error {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(p.Currency) != 3 {
		return fmt.Errorf("shipping fee policy: currency must be an ISO 4217 code, got %q", p.Currency)
	}
	if p.Default.Base < 0 || p.Default.PerItem < 0 {
		return errors.New("shipping fee policy: default fee must not be negative")
	}
	countries := make(map[string]ShippingFeeRate, len(p.Countries))
	for key, rate := range p.Countries {
		code, ok := textutil.CountryCode(key)
		if !ok {
			return fmt.Errorf("shipping fee policy: unknown country %q", key)
		}
		if rate.Base < 0 || rate.PerItem < 0 {
			return fmt.Errorf("shipping fee policy: fee for %s must not be negative", code)
		}
		countries[code] = rate
	}
	p.Countries = countries
	return nil
}

// Quote returns the fee for shipping items prints to country.
func (p *ShippingFeePolicy) Quote(country string, currency string, items int) (int64, error) {
	if items <= 0 {
		return 0, fmt.Errorf("%w: at least one item is required for a quote", ErrShippingInvalidInput)
	}
	if !strings.EqualFold(strings.TrimSpace(currency), p.Currency) {
		return 0, fmt.Errorf("%w: shipping is not offered for currency %q", ErrShippingInvalidInput, currency)
	}
	rate := p.Default
	if code, ok := textutil.CountryCode(country); ok {
		if override, found := p.Countries[code]; found {
			rate = override
		}
	}
	return rate.quote(items), nil
}

var _ ShippingFeeQuoter = (*ShippingFeePolicy)(nil)
