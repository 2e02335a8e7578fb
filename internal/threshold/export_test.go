package threshold

var TagByPosterior = tagByPosterior
