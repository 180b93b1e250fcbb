package constant

const (
	ConfigFilePath = "config/config.yaml"
	ParamsFilePath = "params.yaml"

	DefaultDatasetDirName = "Chest-CT-Scan-data"
	DefaultScoreFile      = "scores.json"

	// Validation subset ratios. Training and evaluation historically disagree;
	// both are kept so scores stay comparable with earlier runs.
	TrainingValidationSplit   = 0.20
	EvaluationValidationSplit = 0.30

	// Learning rate the training stage recompiles the prepared model with.
	TrainingRecompileLearningRate = 0.01

	RescaleFactor = 1.0 / 255.0

	PredictImageSize = 224

	NormalLabel = "Normal"
	CancerLabel = "Adenocarcinoma Cancer"
	// Output index the model assigns to the normal class.
	NormalClassIndex = 1

	RegisteredModelName = "VGG16Model"

	TrainingDoneMessage = "Training done successfully!"
)

const (
	StageDataIngestion    = "data_ingestion"
	StagePrepareBaseModel = "prepare_base_model"
	StageTraining         = "training"
	StageEvaluation       = "evaluation"
)

var StageOrder = []string{
	StageDataIngestion,
	StagePrepareBaseModel,
	StageTraining,
	StageEvaluation,
}

var StageNames = map[string]string{
	StageDataIngestion:    "Data Ingestion stage",
	StagePrepareBaseModel: "Prepare base model",
	StageTraining:         "Training",
	StageEvaluation:       "Evaluation stage",
}

// Image extensions the framework's directory iterator picks up.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".ppm", ".tif", ".tiff"}
