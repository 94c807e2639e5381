package appconfig

import (
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/structure"
)

// ディレクトリ名。
const (
	DirectoryName        = "configuration"
	CountryDirectoryName = "country"
)

// NewDirectory は configuration/country/<国>/index のツリーを生成する。
// 各国の index は署名付き封筒に包まれた設定。設定が検証に失敗した場合はツリーを生成しない。
func NewDirectory(cfg *ApplicationConfiguration, countries []string, signer signing.Signer) (*structure.Directory, error) {
	if err := Validate(cfg).Err(); err != nil {
		return nil, err
	}
	payload, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}

	dir := structure.NewIndexDirectory(CountryDirectoryName,
		func(structure.Indices) ([]string, error) { return countries, nil },
		func(c string) any { return c },
	)
	dir.AddWritableToAll(func(structure.Indices) ([]structure.Writable, error) {
		file := structure.NewFile(structure.IndexFileName, payload)
		return structure.One(signing.NewFileSigningDecorator(file, signer))
	})

	root := structure.NewDirectory(DirectoryName)
	if err := root.AddWritable(structure.NewIndexingDecorator[string](dir)); err != nil {
		return nil, err
	}
	return root, nil
}
